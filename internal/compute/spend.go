package compute

import (
	"time"

	"github.com/moatmetrics/moatmetrics/internal/entity"
	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// Spend categories assigned by the computer itself.
const (
	CategoryUncategorized = "uncategorized"
	CategoryLicenses      = "licenses"
)

const bucketLayout = "2006-01"

// Bucket returns the calendar-month bucket label for t.
func Bucket(t time.Time) string { return t.UTC().Format(bucketLayout) }

type spendAcc struct {
	f              types.Features
	counted        int
	spend          float64
	licenses       int
	activeLicenses int
}

// SpendAnalysis aggregates spend per category per calendar month. Invoices
// are grouped by their category; license cost (seats times cost per seat)
// goes to the "licenses" category in the month the license became active
// inside the window. Each bucket also carries the change against the
// previous bucket of its category and the category-wide trend.
func SpendAnalysis(v *entity.View) []Sample {
	// category -> bucket -> acc
	cats := make(map[string]map[string]*spendAcc)
	get := func(cat, bucket string) *spendAcc {
		b, ok := cats[cat]
		if !ok {
			b = make(map[string]*spendAcc)
			cats[cat] = b
		}
		a, ok := b[bucket]
		if !ok {
			a = &spendAcc{f: newFeatures()}
			b[bucket] = a
		}
		return a
	}

	for _, inv := range v.Invoices() {
		cat := CategoryUncategorized
		if inv.Category != nil && *inv.Category != "" {
			cat = *inv.Category
		}
		a := get(cat, Bucket(inv.Date))
		if !observe(&a.f, inv.Quality, "category") {
			continue
		}
		optional(&a.f, inv.Category != nil && *inv.Category != "")
		a.counted++
		a.spend += inv.Amount
		a.f.Samples = append(a.f.Samples, inv.Amount)
	}

	w := v.Window()
	for _, l := range v.Licenses() {
		start := w.From
		if l.Start != nil && l.Start.After(w.From) {
			start = *l.Start
		}
		a := get(CategoryLicenses, Bucket(start))
		if !observe(&a.f, l.Quality, "cost_per_seat", "start") {
			continue
		}
		optional(&a.f, l.CostPerSeat != nil)
		optional(&a.f, l.Start != nil)
		a.counted++
		a.licenses++
		if l.UsedSeats != nil && *l.UsedSeats > 0 {
			a.activeLicenses++
		}
		if l.CostPerSeat != nil {
			cost := float64(l.LicensedSeats) * *l.CostPerSeat
			a.spend += cost
			a.f.Samples = append(a.f.Samples, cost)
		}
	}

	var out []Sample
	for _, cat := range sortedKeys(cats) {
		buckets := cats[cat]
		keys := sortedKeys(buckets)

		var series []float64
		for _, k := range keys {
			if buckets[k].counted > 0 {
				series = append(series, buckets[k].spend)
			}
		}
		trend, hasTrend := trendPct(series)

		prev := -1.0
		for _, k := range keys {
			a := buckets[k]
			if a.counted == 0 {
				continue
			}
			a.f.Values["spend"] = a.spend
			a.f.Values["records"] = float64(a.counted)
			if prev > 0 {
				a.f.Values["change_pct"] = (a.spend - prev) / prev * 100
			}
			if hasTrend {
				a.f.Values["trend_pct"] = trend
			}
			if a.licenses > 0 {
				a.f.Values["active_license_ratio"] = float64(a.activeLicenses) / float64(a.licenses)
			}
			a.f.Labels = map[string]string{"category": cat, "bucket": k}
			prev = a.spend

			out = append(out, Sample{
				SubjectID: cat + "/" + k,
				Value:     ptr(a.spend),
				Unit:      UnitCurrency,
				Features:  a.f,
			})
		}
	}
	sortSamples(out)
	return out
}

// trendPct fits a least-squares line through series (x = bucket index) and
// returns its slope as a percentage of the series mean. It needs at least
// two points and a non-zero mean.
func trendPct(series []float64) (float64, bool) {
	n := float64(len(series))
	if len(series) < 2 {
		return 0, false
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	mean := sumY / n
	if denom == 0 || mean == 0 {
		return 0, false
	}
	slope := (n*sumXY - sumX*sumY) / denom
	return slope / mean * 100, true
}
