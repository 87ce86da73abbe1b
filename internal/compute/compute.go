package compute

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/moatmetrics/moatmetrics/internal/entity"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Units reported by the computers.
const (
	UnitCurrency = "currency"
	UnitRatio    = "ratio"
)

// Sample is one per-subject output of a metric computer.
type Sample struct {
	SubjectID string
	Value     *float64
	Unit      string
	Features  types.Features
}

// Func is the signature every metric computer implements.
type Func func(v *entity.View) []Sample

var families = map[types.MetricType]Func{
	types.MetricProfitability:       Profitability,
	types.MetricLicenseEfficiency:   LicenseEfficiency,
	types.MetricResourceUtilization: ResourceUtilization,
	types.MetricSpendAnalysis:       SpendAnalysis,
}

// For returns the computer for a metric family.
func For(t types.MetricType) (Func, bool) {
	fn, ok := families[t]
	return fn, ok
}

// Output groups the samples of one family.
type Output struct {
	Type    types.MetricType
	Samples []Sample
}

// Run executes the requested families in parallel over v. The result keeps
// the order of metricTypes.
func Run(ctx context.Context, v *entity.View, metricTypes []types.MetricType) ([]Output, error) {
	fns := make([]Func, len(metricTypes))
	for i, mt := range metricTypes {
		fn, ok := For(mt)
		if !ok {
			return nil, fmt.Errorf("compute: unknown metric type %q", mt)
		}
		fns[i] = fn
	}

	out := make([]Output, len(metricTypes))
	g, ctx := errgroup.WithContext(ctx)
	for i := range metricTypes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = Output{Type: metricTypes[i], Samples: fns[i](v)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("compute: %w", err)
	}
	return out, nil
}

func newFeatures() types.Features {
	return types.Features{
		Values: make(map[string]float64),
		Flags:  make(map[string]bool),
	}
}

// observe records one record's ingestion quality flags into f and reports
// whether the record should contribute to sums. Missing-field flags for the
// names in inspected are skipped; the computer counts those itself.
func observe(f *types.Features, q types.Quality, inspected ...string) bool {
	f.Records++
	if q.Outlier {
		f.FlaggedOutliers++
	}
	for _, name := range q.Missing {
		if !slices.Contains(inspected, name) {
			f.OptionalFields++
			f.MissingFields++
		}
	}
	if q.Duplicate {
		f.Duplicates++
		return false
	}
	return true
}

// optional records one inspected optional field slot.
func optional(f *types.Features, present bool) {
	f.OptionalFields++
	if !present {
		f.MissingFields++
	}
}

func ptr(v float64) *float64 { return &v }

func sortSamples(s []Sample) {
	sort.Slice(s, func(i, j int) bool { return s[i].SubjectID < s[j].SubjectID })
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
