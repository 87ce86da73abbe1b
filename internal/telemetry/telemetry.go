package telemetry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/moatmetrics/moatmetrics/internal/governance"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Metric names.
const (
	MetricResults          = "moatmetrics_results"
	MetricConfidenceAvg    = "moatmetrics_confidence_score_avg"
	MetricConfidenceLevels = "moatmetrics_confidence_level_results"
	MetricPending          = "moatmetrics_pending_approvals"
	MetricOldestPending    = "moatmetrics_pending_oldest_wait_seconds"
	MetricAuditSequence    = "moatmetrics_audit_sequence"
)

// Snapshot is the input to Build.
type Snapshot struct {
	Tenant  string
	Results []types.ResultView
	Pending []governance.Pending
	// AuditSequence is the last audit sequence number per tenant.
	AuditSequence map[string]uint64
}

// Build converts s into metric families sorted by name.
func Build(s Snapshot) []*dto.MetricFamily {
	var fams []*dto.MetricFamily

	type typeState struct {
		mt    types.MetricType
		state types.State
	}
	counts := make(map[typeState]int)
	scoreSum := make(map[types.MetricType]float64)
	scoreN := make(map[types.MetricType]int)
	levels := make(map[string]int)
	for _, r := range s.Results {
		mt := r.Result.MetricType
		counts[typeState{mt, r.State}]++
		scoreSum[mt] += r.Assessment.Score
		scoreN[mt]++
		levels[r.Assessment.Level]++
	}

	if len(counts) > 0 {
		keys := make([]typeState, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].mt != keys[j].mt {
				return keys[i].mt < keys[j].mt
			}
			return keys[i].state < keys[j].state
		})
		fam := gauge(MetricResults, "Results of the run by metric type and governance state.")
		for _, k := range keys {
			fam.Metric = append(fam.Metric, sample(float64(counts[k]),
				"tenant", s.Tenant, "metric_type", string(k.mt), "state", string(k.state)))
		}
		fams = append(fams, fam)

		avg := gauge(MetricConfidenceAvg, "Average confidence score by metric type.")
		for _, mt := range sortedKeys(scoreN) {
			avg.Metric = append(avg.Metric, sample(scoreSum[mt]/float64(scoreN[mt]),
				"tenant", s.Tenant, "metric_type", string(mt)))
		}
		fams = append(fams, avg)

		lv := gauge(MetricConfidenceLevels, "Results by confidence level.")
		for _, l := range sortedKeys(levels) {
			lv.Metric = append(lv.Metric, sample(float64(levels[l]), "tenant", s.Tenant, "level", l))
		}
		fams = append(fams, lv)
	}

	pendingByTenantRole := make(map[[2]string]int)
	oldest := make(map[string]time.Duration)
	for _, p := range s.Pending {
		pendingByTenantRole[[2]string{p.Tenant, p.RequiredRole}]++
		if p.Waiting > oldest[p.Tenant] {
			oldest[p.Tenant] = p.Waiting
		}
	}
	pend := gauge(MetricPending, "Open approval requests by tenant and required role.")
	keys := make([][2]string, 0, len(pendingByTenantRole))
	for k := range pendingByTenantRole {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, k := range keys {
		pend.Metric = append(pend.Metric, sample(float64(pendingByTenantRole[k]), "tenant", k[0], "required_role", k[1]))
	}
	if len(pend.Metric) > 0 {
		fams = append(fams, pend)
		ow := gauge(MetricOldestPending, "Wait time of the oldest open approval request.")
		for _, t := range sortedKeys(oldest) {
			ow.Metric = append(ow.Metric, sample(oldest[t].Seconds(), "tenant", t))
		}
		fams = append(fams, ow)
	}

	if len(s.AuditSequence) > 0 {
		seq := gauge(MetricAuditSequence, "Last audit ledger sequence number by tenant.")
		for _, t := range sortedKeys(s.AuditSequence) {
			seq.Metric = append(seq.Metric, sample(float64(s.AuditSequence[t]), "tenant", t))
		}
		fams = append(fams, seq)
	}

	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

func gauge(name, help string) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
	}
}

// sample builds a gauge metric from a value and label name/value pairs.
// Labels with an empty value are omitted.
func sample(v float64, labels ...string) *dto.Metric {
	m := &dto.Metric{Gauge: &dto.Gauge{Value: proto.Float64(v)}}
	for i := 0; i+1 < len(labels); i += 2 {
		if labels[i+1] == "" {
			continue
		}
		m.Label = append(m.Label, &dto.LabelPair{
			Name:  proto.String(labels[i]),
			Value: proto.String(labels[i+1]),
		})
	}
	return m
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Write encodes fams in the Prometheus text format.
func Write(w io.Writer, fams []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, f := range fams {
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("telemetry: encode %s: %w", f.GetName(), err)
		}
	}
	return nil
}

// WriteFile writes fams to path through a temporary file and rename, so a
// collector never reads a partial file.
func WriteFile(path string, fams []*dto.MetricFamily) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("telemetry: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".moatmetrics-*.prom")
	if err != nil {
		return fmt.Errorf("telemetry: create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after rename

	if err := Write(tmp, fams); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("telemetry: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("telemetry: rename: %w", err)
	}
	return nil
}

// Parse decodes a text exposition into metric families keyed by name.
// A partial parse with at least one family is returned without error.
func Parse(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("telemetry: parse text: %w", err)
	}
	return mfs, nil
}

// Sum adds up every gauge, counter and untyped value in mf. A nil family
// sums to 0.
func Sum(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
