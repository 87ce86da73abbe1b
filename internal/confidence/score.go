package confidence

import (
	"errors"
	"math"

	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Factor names, in the order they appear in an assessment.
const (
	FactorCompleteness = "completeness"
	FactorOutliers     = "outliers"
	FactorSampleSize   = "sample_size"
)

// Default parameters applied when policy leaves them unset.
const (
	DefaultWeightCompleteness = 0.5
	DefaultWeightOutliers     = 0.2
	DefaultWeightSampleSize   = 0.3
	DefaultZScoreBound        = 3.0
	DefaultSampleFloor        = 5
)

// Level names returned by LevelFor.
const (
	LevelHigh      = "high"
	LevelMedium    = "medium"
	LevelLow       = "low"
	LevelAmbiguous = "ambiguous"
)

// Fixed level thresholds; the medium threshold is the policy's review
// threshold.
const (
	ThresholdHigh = 0.9
	ThresholdLow  = 0.5
)

// Weights are the factor weights. They must sum to 1.
type Weights struct {
	Completeness float64 `yaml:"completeness" json:"completeness"`
	Outliers     float64 `yaml:"outliers" json:"outliers"`
	SampleSize   float64 `yaml:"sample_size" json:"sample_size"`
}

// Params configures one scoring call.
type Params struct {
	Weights     Weights
	ZScoreBound float64
	SampleFloor int
	// Threshold is the review threshold, used only to assign Level.
	Threshold float64
}

// DefaultParams returns the built-in parameters.
func DefaultParams() Params {
	return Params{
		Weights: Weights{
			Completeness: DefaultWeightCompleteness,
			Outliers:     DefaultWeightOutliers,
			SampleSize:   DefaultWeightSampleSize,
		},
		ZScoreBound: DefaultZScoreBound,
		SampleFloor: DefaultSampleFloor,
		Threshold:   0.7,
	}
}

// Validate checks the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Completeness < 0 || w.Outliers < 0 || w.SampleSize < 0 {
		return errors.New("weights must be non-negative")
	}
	if sum := w.Completeness + w.Outliers + w.SampleSize; math.Abs(sum-1) > 1e-9 {
		return errors.New("weights must sum to 1")
	}
	return nil
}

// Score computes the confidence assessment for a feature snapshot. An
// undefined value counts as one extra missing field. ResultID is left for the
// caller to set.
//
//	score = completeness * w_c + outliers * w_o + sample_size * w_s
func Score(f types.Features, undefined bool, p Params) types.ConfidenceAssessment {
	completeness := Completeness(f, undefined)
	outliers := OutlierFactor(f, p.ZScoreBound)
	sample := SampleFactor(f.Records, p.SampleFloor)

	factors := []types.Factor{
		{Name: FactorCompleteness, Weight: p.Weights.Completeness, SubScore: completeness},
		{Name: FactorOutliers, Weight: p.Weights.Outliers, SubScore: outliers},
		{Name: FactorSampleSize, Weight: p.Weights.SampleSize, SubScore: sample},
	}
	var score float64
	for i := range factors {
		factors[i].Contribution = factors[i].Weight * factors[i].SubScore
		score += factors[i].Contribution
	}
	score = clamp01(score)

	return types.ConfidenceAssessment{
		Score:   score,
		Level:   LevelFor(score, p.Threshold),
		Factors: factors,
	}
}

// Completeness is (1 - missing/optional) * (1 - duplicates/records).
func Completeness(f types.Features, undefined bool) float64 {
	missing, optional := f.MissingFields, f.OptionalFields
	if undefined {
		missing++
		optional++
	}
	fields := 1.0
	if optional > 0 {
		fields = 1 - clamp01(float64(missing)/float64(optional))
	}
	dups := 1.0
	if f.Records > 0 {
		dups = 1 - clamp01(float64(f.Duplicates)/float64(f.Records))
	}
	return fields * dups
}

// OutlierFactor is 1 minus the fraction of records that are outliers, either
// flagged by ingestion or beyond bound standard deviations of the sample mean.
func OutlierFactor(f types.Features, bound float64) float64 {
	if f.Records == 0 {
		return 1
	}
	n := f.FlaggedOutliers + ZOutliers(f.Samples, bound)
	return 1 - clamp01(float64(n)/float64(f.Records))
}

// SampleFactor is records/floor capped at 1. A non-positive floor disables
// the check.
func SampleFactor(records, floor int) float64 {
	if floor <= 0 {
		return 1
	}
	return clamp01(float64(records) / float64(floor))
}

// ZOutliers counts samples whose absolute z-score exceeds bound, using the
// population standard deviation. Fewer than two samples, zero spread or a
// non-positive bound yield zero.
func ZOutliers(samples []float64, bound float64) int {
	if len(samples) < 2 || bound <= 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(len(samples))
	var ss float64
	for _, s := range samples {
		ss += (s - mean) * (s - mean)
	}
	sd := math.Sqrt(ss / float64(len(samples)))
	if sd == 0 {
		return 0
	}
	var n int
	for _, s := range samples {
		if math.Abs(s-mean)/sd > bound {
			n++
		}
	}
	return n
}

// LevelFor maps a score to a named confidence level.
func LevelFor(score, threshold float64) string {
	switch {
	case score >= ThresholdHigh:
		return LevelHigh
	case score >= threshold:
		return LevelMedium
	case score >= ThresholdLow:
		return LevelLow
	default:
		return LevelAmbiguous
	}
}

// clamp01 restricts v to the range [0, 1]. NaN maps to 0.
func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
