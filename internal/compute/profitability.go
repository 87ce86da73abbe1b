package compute

import (
	"github.com/moatmetrics/moatmetrics/internal/entity"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

type profitAcc struct {
	f        types.Features
	counted  int
	revenue  float64
	cost     float64
	hours    float64
	invoices int
	logs     int
}

// Profitability computes revenue minus labor cost per client. Labor cost is
// hours times the log's own rate, falling back to the batch staff rate; a log
// with neither contributes hours but no cost and counts as a missing field.
func Profitability(v *entity.View) []Sample {
	accs := make(map[string]*profitAcc)
	get := func(id string) *profitAcc {
		a, ok := accs[id]
		if !ok {
			a = &profitAcc{f: newFeatures()}
			accs[id] = a
		}
		return a
	}

	for _, inv := range v.Invoices() {
		a := get(inv.ClientID)
		if !observe(&a.f, inv.Quality) {
			continue
		}
		a.counted++
		a.invoices++
		a.revenue += inv.Amount
		a.f.Samples = append(a.f.Samples, inv.Amount)
	}

	for _, tl := range v.TimeLogs() {
		a := get(tl.ClientID)
		if !observe(&a.f, tl.Quality, "rate") {
			continue
		}
		a.counted++
		a.logs++
		a.hours += tl.Hours
		rate, ok := rateFor(v, tl)
		optional(&a.f, ok)
		if ok {
			a.cost += tl.Hours * rate
		}
	}

	out := make([]Sample, 0, len(accs))
	for _, id := range sortedKeys(accs) {
		a := accs[id]
		if a.counted == 0 {
			continue
		}
		profit := a.revenue - a.cost
		a.f.Values["revenue"] = a.revenue
		a.f.Values["labor_cost"] = a.cost
		a.f.Values["hours"] = a.hours
		a.f.Values["invoices"] = float64(a.invoices)
		a.f.Values["time_logs"] = float64(a.logs)
		if a.revenue > 0 {
			a.f.Values["margin_pct"] = profit / a.revenue * 100
			a.f.Values["labor_ratio_pct"] = a.cost / a.revenue * 100
		}
		if _, known := v.Client(id); !known {
			a.f.Flags[types.FlagUnknownClient] = true
		}
		out = append(out, Sample{
			SubjectID: id,
			Value:     ptr(profit),
			Unit:      UnitCurrency,
			Features:  a.f,
		})
	}
	sortSamples(out)
	return out
}

// AggregateProfitability computes window-wide profitability directly from the
// records, independent of the per-client breakdown.
func AggregateProfitability(v *entity.View) float64 {
	var revenue, cost float64
	for _, inv := range v.Invoices() {
		if inv.Quality.Duplicate {
			continue
		}
		revenue += inv.Amount
	}
	for _, tl := range v.TimeLogs() {
		if tl.Quality.Duplicate {
			continue
		}
		if rate, ok := rateFor(v, tl); ok {
			cost += tl.Hours * rate
		}
	}
	return revenue - cost
}

func rateFor(v *entity.View, tl types.TimeLog) (float64, bool) {
	if tl.Rate != nil {
		return *tl.Rate, true
	}
	return v.StaffRate(tl.StaffID)
}
