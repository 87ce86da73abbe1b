package entity

import (
	"slices"
	"sort"
	"strings"

	"github.com/moatmetrics/moatmetrics/pkg/types"
)

// View is an immutable, window-filtered view over one Batch.
type View struct {
	window   types.Window
	snapshot string
	clients  map[string]types.Client
	invoices []types.Invoice
	timeLogs []types.TimeLog
	licenses []types.License
	rates    map[string]float64
}

// NewView builds a View of b restricted to w. b is not retained.
func NewView(b *types.Batch, w types.Window) *View {
	v := &View{
		window:  w,
		clients: make(map[string]types.Client),
		rates:   make(map[string]float64),
	}
	if b == nil {
		return v
	}
	v.snapshot = b.Snapshot

	for _, c := range b.Clients {
		v.clients[c.ID] = c
	}
	for _, inv := range b.Invoices {
		if w.Contains(inv.Date) {
			v.invoices = append(v.invoices, inv)
		}
	}
	for _, tl := range b.TimeLogs {
		if w.Contains(tl.Date) {
			v.timeLogs = append(v.timeLogs, tl)
		}
	}
	for _, l := range b.Licenses {
		if w.Overlaps(l.Start, l.End) {
			v.licenses = append(v.licenses, l)
		}
	}
	for staff, rate := range b.StaffRates {
		v.rates[staff] = rate
	}

	sort.SliceStable(v.invoices, func(i, j int) bool {
		a, b := v.invoices[i], v.invoices[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})
	sort.SliceStable(v.timeLogs, func(i, j int) bool {
		a, b := v.timeLogs[i], v.timeLogs[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.ID < b.ID
	})
	sort.SliceStable(v.licenses, func(i, j int) bool {
		return strings.Compare(v.licenses[i].ID, v.licenses[j].ID) < 0
	})
	return v
}

// Window returns the analysis window of the view.
func (v *View) Window() types.Window { return v.window }

// Snapshot returns the ingestion snapshot id the view was built from.
func (v *View) Snapshot() string { return v.snapshot }

// Client looks up a client by id.
func (v *View) Client(id string) (types.Client, bool) {
	c, ok := v.clients[id]
	return c, ok
}

// Invoices returns the in-window invoices ordered by date then id.
func (v *View) Invoices() []types.Invoice { return slices.Clone(v.invoices) }

// TimeLogs returns the in-window time logs ordered by date then id.
func (v *View) TimeLogs() []types.TimeLog { return slices.Clone(v.timeLogs) }

// Licenses returns licenses active at any point in the window, ordered by id.
func (v *View) Licenses() []types.License { return slices.Clone(v.licenses) }

// StaffRate returns the fallback hourly rate for a staff member.
func (v *View) StaffRate(staffID string) (float64, bool) {
	r, ok := v.rates[staffID]
	return r, ok
}
