package compute

import (
	"github.com/moatmetrics/moatmetrics/internal/entity"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// License utilization status labels, by utilization percentage.
const (
	StatusCriticalUnderutilization = "critical_underutilization"
	StatusUnderutilized            = "underutilized"
	StatusModerate                 = "moderate"
	StatusOptimal                  = "optimal"
)

// LicenseStatus maps a utilization percentage to its status label.
func LicenseStatus(utilizationPct float64) string {
	switch {
	case utilizationPct < 30:
		return StatusCriticalUnderutilization
	case utilizationPct < 50:
		return StatusUnderutilized
	case utilizationPct < 80:
		return StatusModerate
	default:
		return StatusOptimal
	}
}

// LicenseEfficiency computes used/licensed seats per license. Records sharing
// a license id are merged; the last countable record wins for seat counts.
func LicenseEfficiency(v *entity.View) []Sample {
	type acc struct {
		f   types.Features
		lic *types.License
	}
	accs := make(map[string]*acc)

	for _, l := range v.Licenses() {
		a, ok := accs[l.ID]
		if !ok {
			a = &acc{f: newFeatures()}
			accs[l.ID] = a
		}
		if !observe(&a.f, l.Quality, "used_seats", "cost_per_seat") {
			continue
		}
		optional(&a.f, l.UsedSeats != nil)
		optional(&a.f, l.CostPerSeat != nil)
		a.lic = &l
	}

	out := make([]Sample, 0, len(accs))
	for _, id := range sortedKeys(accs) {
		a := accs[id]
		if a.lic == nil {
			continue
		}
		l := a.lic
		f := a.f

		licensed := float64(l.LicensedSeats)
		var used float64
		if l.UsedSeats != nil {
			used = float64(*l.UsedSeats)
		}
		unused := licensed - used
		if unused < 0 {
			unused = 0
		}
		f.Values["licensed_seats"] = licensed
		f.Values["used_seats"] = used
		f.Values["unused_seats"] = unused
		if l.CostPerSeat != nil {
			cps := *l.CostPerSeat
			f.Values["cost_per_seat"] = cps
			f.Values["total_cost"] = licensed * cps
			f.Values["waste_amount"] = unused * cps
			if used > 0 {
				f.Values["cost_per_used_seat"] = licensed * cps / used
			}
		}
		f.Labels = map[string]string{"vendor": l.Vendor, "product": l.Product, "client_id": l.ClientID}

		var value *float64
		if l.LicensedSeats == 0 {
			f.Flags[types.FlagZeroDenominator] = true
		} else {
			ratio := used / licensed
			f.Values["utilization_pct"] = ratio * 100
			f.Labels["status"] = LicenseStatus(ratio * 100)
			value = ptr(ratio)
		}
		out = append(out, Sample{SubjectID: id, Value: value, Unit: UnitRatio, Features: f})
	}
	sortSamples(out)
	return out
}
