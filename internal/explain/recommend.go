package explain

import (
	"fmt"
	"math"

	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// recommend applies the per-family rule set. Rules only read the feature
// snapshot.
func recommend(r types.MetricResult, a types.ConfidenceAssessment) []string {
	f := r.Features
	var recs []string

	switch r.MetricType {
	case types.MetricProfitability:
		if margin, ok := f.Value("margin_pct"); ok && margin < 20 {
			recs = append(recs, fmt.Sprintf("Review pricing and cost structure: margin is %.1f%%.", margin))
		}
		if ratio, ok := f.Value("labor_ratio_pct"); ok && ratio > 70 {
			recs = append(recs, fmt.Sprintf("Labor costs are high relative to revenue (%.1f%%).", ratio))
		}
		if _, ok := f.Value("margin_pct"); !ok {
			recs = append(recs, "Confirm billing for this client: no revenue was recorded in the window.")
		}

	case types.MetricLicenseEfficiency:
		if f.Flag(types.FlagZeroDenominator) {
			recs = append(recs, "Verify the license record: it reports zero licensed seats.")
			break
		}
		util, _ := f.Value("utilization_pct")
		unused, _ := f.Value("unused_seats")
		switch {
		case util < 30:
			waste, _ := f.Value("waste_amount")
			recs = append(recs, fmt.Sprintf("URGENT: consolidate under-utilized licenses; %.0f seats unused (%.2f waste).", unused, waste))
		case util < 50:
			recs = append(recs, fmt.Sprintf("Consolidate under-utilized licenses or reclaim %.0f unused seats.", unused))
		}

	case types.MetricResourceUtilization:
		if f.Flag(types.FlagZeroDenominator) {
			recs = append(recs, "No hours were logged; confirm time tracking for this staff member.")
			break
		}
		if util, ok := f.Value("utilization_pct"); ok {
			switch {
			case util > 100:
				recs = append(recs, fmt.Sprintf("Staff member is overloaded at %.1f%% of capacity; rebalance assignments.", util))
			case util < 60:
				recs = append(recs, fmt.Sprintf("Capacity available: utilization is %.1f%%.", util))
			}
		}
		if billable, ok := f.Value("billable_pct"); ok && billable < 70 {
			recs = append(recs, fmt.Sprintf("Improve billable ratio: only %.1f%% of hours are billable.", billable))
		}

	case types.MetricSpendAnalysis:
		if trend, ok := f.Value("trend_pct"); ok && math.Abs(trend) > 20 {
			recs = append(recs, fmt.Sprintf("Review budget for %s: spend trend is %+.1f%% per month.", f.Labels["category"], trend))
		}
		if ratio, ok := f.Value("active_license_ratio"); ok && ratio < 0.8 {
			recs = append(recs, fmt.Sprintf("Review inactive licenses: only %.0f%% are in use.", ratio*100))
		}
	}

	if lowConfidence(a) {
		recs = append(recs, "Verify data quality before acting on this result.")
	}
	return recs
}
