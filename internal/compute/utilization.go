package compute

import (
	"github.com/moatmetrics/moatmetrics/internal/entity"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// HoursPerWeek is the expected working time used for capacity utilization.
const HoursPerWeek = 40.0

// ResourceUtilization computes billable/total hours per staff member. A log
// without a billable marker counts as non-billable and as a missing field.
func ResourceUtilization(v *entity.View) []Sample {
	type acc struct {
		f        types.Features
		counted  int
		total    float64
		billable float64
		clients  map[string]struct{}
	}
	accs := make(map[string]*acc)

	for _, tl := range v.TimeLogs() {
		a, ok := accs[tl.StaffID]
		if !ok {
			a = &acc{f: newFeatures(), clients: make(map[string]struct{})}
			accs[tl.StaffID] = a
		}
		if !observe(&a.f, tl.Quality, "billable") {
			continue
		}
		a.counted++
		a.total += tl.Hours
		optional(&a.f, tl.Billable != nil)
		if tl.Billable != nil && *tl.Billable {
			a.billable += tl.Hours
		}
		a.clients[tl.ClientID] = struct{}{}
		a.f.Samples = append(a.f.Samples, tl.Hours)
	}

	w := v.Window()
	expected := w.To.Sub(w.From).Hours() / (24 * 7) * HoursPerWeek

	out := make([]Sample, 0, len(accs))
	for _, id := range sortedKeys(accs) {
		a := accs[id]
		if a.counted == 0 {
			continue
		}
		a.f.Values["total_hours"] = a.total
		a.f.Values["billable_hours"] = a.billable
		a.f.Values["clients"] = float64(len(a.clients))
		if expected > 0 {
			a.f.Values["expected_hours"] = expected
			a.f.Values["utilization_pct"] = a.total / expected * 100
		}

		var value *float64
		if a.total == 0 {
			a.f.Flags[types.FlagZeroDenominator] = true
		} else {
			ratio := a.billable / a.total
			a.f.Values["billable_pct"] = ratio * 100
			value = ptr(ratio)
		}
		out = append(out, Sample{SubjectID: id, Value: value, Unit: UnitRatio, Features: a.f})
	}
	sortSamples(out)
	return out
}
