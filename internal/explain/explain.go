package explain

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/moatmetrics/moatmetrics/internal/confidence"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Directions recorded on contributions.
const (
	DirectionSupports = "supports"
	DirectionReduces  = "reduces"
)

// maxDrivers caps the number of feature drivers reported.
const maxDrivers = 5

// Generate builds the explanation for r given its assessment a.
func Generate(r types.MetricResult, a types.ConfidenceAssessment) types.Explanation {
	contribs := contributions(a)
	exp := types.Explanation{
		Contributions: contribs,
		Drivers:       drivers(r.Features),
	}

	var summary string
	switch r.MetricType {
	case types.MetricProfitability:
		summary = profitabilitySummary(r)
	case types.MetricLicenseEfficiency:
		summary = licenseSummary(r)
	case types.MetricResourceUtilization:
		summary = utilizationSummary(r)
	case types.MetricSpendAnalysis:
		summary = spendSummary(r)
	default:
		summary = fmt.Sprintf("%s for %s.", r.MetricType, r.SubjectID)
	}
	exp.Summary = summary + " " + confidenceSentence(a, contribs)
	exp.Recommendations = recommend(r, a)
	return exp
}

// contributions orders factors by how much confidence they cost, largest
// first. Magnitudes sum to the score.
func contributions(a types.ConfidenceAssessment) []types.Contribution {
	out := make([]types.Contribution, 0, len(a.Factors))
	for _, f := range a.Factors {
		dir := DirectionReduces
		if f.SubScore >= 1 {
			dir = DirectionSupports
		}
		out = append(out, types.Contribution{
			Factor:    f.Name,
			Direction: dir,
			Magnitude: f.Contribution,
			Shortfall: f.Weight - f.Contribution,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Shortfall != out[j].Shortfall {
			return out[i].Shortfall > out[j].Shortfall
		}
		return out[i].Factor < out[j].Factor
	})
	return out
}

// drivers ranks numeric features by their share of total absolute feature
// mass.
func drivers(f types.Features) []types.Driver {
	names := make([]string, 0, len(f.Values))
	for name := range f.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	// Summed in name order so the shares are bit-identical across calls.
	var total float64
	for _, name := range names {
		total += math.Abs(f.Values[name])
	}
	if total == 0 {
		return nil
	}
	out := make([]types.Driver, 0, len(names))
	for _, name := range names {
		v := f.Values[name]
		if v == 0 {
			continue
		}
		out = append(out, types.Driver{Feature: name, Value: v, Share: math.Abs(v) / total})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Share > out[j].Share })
	if len(out) > maxDrivers {
		out = out[:maxDrivers]
	}
	return out
}

func confidenceSentence(a types.ConfidenceAssessment, contribs []types.Contribution) string {
	s := fmt.Sprintf("Confidence %.2f (%s).", a.Score, a.Level)
	if len(contribs) > 0 && contribs[0].Shortfall > 0 {
		s = fmt.Sprintf("Confidence %.2f (%s), mainly limited by %s.",
			a.Score, a.Level, strings.ReplaceAll(contribs[0].Factor, "_", " "))
	}
	return s
}

// level maps a percentage to high/medium/low using the given cut-offs.
func level(v, high, medium float64) string {
	switch {
	case v >= high:
		return "high"
	case v >= medium:
		return "medium"
	default:
		return "low"
	}
}

func profitabilitySummary(r types.MetricResult) string {
	f := r.Features
	revenue, _ := f.Value("revenue")
	cost, _ := f.Value("labor_cost")
	margin, ok := f.Value("margin_pct")
	if !ok || r.Value == nil {
		return fmt.Sprintf("Client %s had no revenue in the window against %.2f labor cost.", r.SubjectID, cost)
	}
	return fmt.Sprintf("Client %s generated %.2f profit on %.2f revenue and %.2f labor cost (margin %.1f%%, %s profitability).",
		r.SubjectID, *r.Value, revenue, cost, margin, level(margin, 70, 40))
}

func licenseSummary(r types.MetricResult) string {
	f := r.Features
	licensed, _ := f.Value("licensed_seats")
	used, _ := f.Value("used_seats")
	product := strings.TrimSpace(f.Labels["vendor"] + " " + f.Labels["product"])
	if product == "" {
		product = "license"
	}
	if r.Value == nil {
		return fmt.Sprintf("License %s (%s) has zero licensed seats; efficiency is undefined.", r.SubjectID, product)
	}
	util, _ := f.Value("utilization_pct")
	return fmt.Sprintf("License %s (%s) uses %.0f of %.0f seats (%.1f%% utilization, %s).",
		r.SubjectID, product, used, licensed, util, strings.ReplaceAll(f.Labels["status"], "_", " "))
}

func utilizationSummary(r types.MetricResult) string {
	f := r.Features
	total, _ := f.Value("total_hours")
	billable, _ := f.Value("billable_hours")
	if r.Value == nil {
		return fmt.Sprintf("Staff member %s logged no hours in the window; utilization is undefined.", r.SubjectID)
	}
	capacity, _ := f.Value("utilization_pct")
	return fmt.Sprintf("Staff member %s logged %.1f hours, %.1f billable (%.1f%% billable, %.1f%% of capacity, %s utilization).",
		r.SubjectID, total, billable, *r.Value*100, capacity, level(capacity, 70, 40))
}

func spendSummary(r types.MetricResult) string {
	f := r.Features
	spend := 0.0
	if r.Value != nil {
		spend = *r.Value
	}
	s := fmt.Sprintf("Spend on %s in %s was %.2f.", f.Labels["category"], f.Labels["bucket"], spend)
	if trend, ok := f.Value("trend_pct"); ok {
		var change string
		switch level(math.Abs(trend), 20, 10) {
		case "high":
			change = "significant"
		case "medium":
			change = "moderate"
		default:
			change = "stable"
		}
		s += fmt.Sprintf(" Category trend %+.1f%% per month (%s).", trend, change)
	}
	return s
}

// lowConfidence reports whether a result's confidence is below the review
// threshold.
func lowConfidence(a types.ConfidenceAssessment) bool {
	return a.Level == confidence.LevelLow || a.Level == confidence.LevelAmbiguous
}
