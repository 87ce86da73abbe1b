package types

import "time"

// MetricType names a metric family.
type MetricType string

// Metric families computed by the core.
const (
	MetricProfitability       MetricType = "profitability"
	MetricLicenseEfficiency   MetricType = "license_efficiency"
	MetricResourceUtilization MetricType = "resource_utilization"
	MetricSpendAnalysis       MetricType = "spend_analysis"
)

// AllMetricTypes lists every family in canonical execution order.
var AllMetricTypes = []MetricType{
	MetricProfitability,
	MetricLicenseEfficiency,
	MetricResourceUtilization,
	MetricSpendAnalysis,
}

// Valid reports whether m is a known metric family.
func (m MetricType) Valid() bool {
	for _, t := range AllMetricTypes {
		if m == t {
			return true
		}
	}
	return false
}

// Feature flag names shared between computers, scorer and explainer.
const (
	FlagZeroDenominator = "zero_denominator"
	FlagUnknownClient   = "unknown_client"
)

// Features is the input feature snapshot captured alongside a result.
// Everything downstream (confidence, explanation) is derived from it alone.
type Features struct {
	Values map[string]float64 `json:"values"`
	Flags  map[string]bool    `json:"flags,omitempty"`
	Labels map[string]string  `json:"labels,omitempty"`

	Records         int `json:"records"`
	OptionalFields  int `json:"optional_fields"`
	MissingFields   int `json:"missing_fields"`
	Duplicates      int `json:"duplicates"`
	FlaggedOutliers int `json:"flagged_outliers"`

	// Samples holds the per-record values the scorer checks for outliers.
	Samples []float64 `json:"samples,omitempty"`
}

// Value returns the named feature value.
func (f Features) Value(name string) (float64, bool) {
	v, ok := f.Values[name]
	return v, ok
}

// Flag reports whether the named flag is set.
func (f Features) Flag(name string) bool {
	return f.Flags[name]
}

// MetricResult is one computed metric for one subject. Immutable once created.
type MetricResult struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	MetricType MetricType `json:"metric_type"`
	SubjectID  string     `json:"subject_id"`
	// Value is nil when the metric is undefined (e.g. zero denominator).
	Value      *float64  `json:"value"`
	Unit       string    `json:"unit"`
	ComputedAt time.Time `json:"computed_at"`
	Features   Features  `json:"input_feature_snapshot"`
}

// Factor is one weighted sub-score of a confidence assessment.
type Factor struct {
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	SubScore     float64 `json:"sub_score"`
	Contribution float64 `json:"contribution"`
}

// ConfidenceAssessment is the reliability estimate for one MetricResult.
type ConfidenceAssessment struct {
	ResultID string   `json:"result_id"`
	Score    float64  `json:"score"`
	Level    string   `json:"level"`
	Factors  []Factor `json:"contributing_factors"`
}

// Contribution explains how one factor moved the confidence score.
type Contribution struct {
	Factor    string  `json:"factor"`
	Direction string  `json:"direction"`
	Magnitude float64 `json:"magnitude"`
	Shortfall float64 `json:"shortfall"`
}

// Driver is one feature ranked by its share of the metric's feature mass.
type Driver struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
	Share   float64 `json:"share"`
}

// Explanation is the structured rationale for a result.
type Explanation struct {
	Contributions   []Contribution `json:"contributions"`
	Drivers         []Driver       `json:"drivers,omitempty"`
	Summary         string         `json:"summary"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// ScoredResult bundles a result with its assessment and explanation.
type ScoredResult struct {
	Result      MetricResult         `json:"result"`
	Assessment  ConfidenceAssessment `json:"assessment"`
	Explanation Explanation          `json:"explanation"`
}

// Run records one analytics execution.
type Run struct {
	ID           string       `json:"id"`
	Tenant       string       `json:"tenant"`
	Window       Window       `json:"window"`
	MetricTypes  []MetricType `json:"metric_types"`
	PolicyDigest string       `json:"policy_digest"`
	Snapshot     string       `json:"snapshot"`
	Actor        string       `json:"actor"`
	StartedAt    time.Time    `json:"started_at"`
}

// ResultView is what callers see for one result of a run.
type ResultView struct {
	ScoredResult
	State      State  `json:"state"`
	Final      bool   `json:"final"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// RunSummary aggregates the results of one run.
type RunSummary struct {
	RunID             string         `json:"run_id"`
	Total             int            `json:"total"`
	RequiringReview   int            `json:"requiring_review"`
	Final             int            `json:"final"`
	AverageConfidence float64        `json:"average_confidence"`
	ByLevel           map[string]int `json:"by_level"`
	ByState           map[State]int  `json:"by_state"`
}
