package types

import "time"

// Quality carries the per-record data-quality flags attached by ingestion.
// The core never re-validates records; it only reads these flags.
type Quality struct {
	// Missing lists optional field names that were absent in the source row.
	Missing   []string `json:"missing,omitempty" yaml:"missing,omitempty"`
	Outlier   bool     `json:"outlier,omitempty" yaml:"outlier,omitempty"`
	Duplicate bool     `json:"duplicate,omitempty" yaml:"duplicate,omitempty"`
}

// Client is a managed-services customer.
type Client struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Industry *string `json:"industry,omitempty" yaml:"industry,omitempty"`
	Quality  Quality `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// Invoice is one billed amount for a client.
type Invoice struct {
	ID       string    `json:"id" yaml:"id"`
	ClientID string    `json:"client_id" yaml:"client_id"`
	Date     time.Time `json:"date" yaml:"date"`
	Amount   float64   `json:"amount" yaml:"amount"`
	Category *string   `json:"category,omitempty" yaml:"category,omitempty"`
	Quality  Quality   `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// TimeLog is one block of staff time booked against a client.
type TimeLog struct {
	ID       string    `json:"id" yaml:"id"`
	ClientID string    `json:"client_id" yaml:"client_id"`
	StaffID  string    `json:"staff_id" yaml:"staff_id"`
	Date     time.Time `json:"date" yaml:"date"`
	Hours    float64   `json:"hours" yaml:"hours"`
	Rate     *float64  `json:"rate,omitempty" yaml:"rate,omitempty"`
	Billable *bool     `json:"billable,omitempty" yaml:"billable,omitempty"`
	Quality  Quality   `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// License is a software subscription held for a client.
type License struct {
	ID            string     `json:"id" yaml:"id"`
	ClientID      string     `json:"client_id" yaml:"client_id"`
	Vendor        string     `json:"vendor" yaml:"vendor"`
	Product       string     `json:"product" yaml:"product"`
	LicensedSeats int        `json:"licensed_seats" yaml:"licensed_seats"`
	UsedSeats     *int       `json:"used_seats,omitempty" yaml:"used_seats,omitempty"`
	CostPerSeat   *float64   `json:"cost_per_seat,omitempty" yaml:"cost_per_seat,omitempty"`
	Start         *time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End           *time.Time `json:"end,omitempty" yaml:"end,omitempty"`
	Quality       Quality    `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// Batch is one immutable, typed entity snapshot produced by ingestion.
type Batch struct {
	// Snapshot identifies the ingestion version this batch was taken from.
	Snapshot string `json:"snapshot" yaml:"snapshot"`

	Clients  []Client  `json:"clients" yaml:"clients"`
	Invoices []Invoice `json:"invoices" yaml:"invoices"`
	TimeLogs []TimeLog `json:"time_logs" yaml:"time_logs"`
	Licenses []License `json:"licenses" yaml:"licenses"`

	// StaffRates is the fallback hourly rate per staff id, used when a
	// TimeLog carries no rate of its own.
	StaffRates map[string]float64 `json:"staff_rates,omitempty" yaml:"staff_rates,omitempty"`
}

// Window is a half-open analysis interval [From, To).
type Window struct {
	From time.Time `json:"from" yaml:"from"`
	To   time.Time `json:"to" yaml:"to"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// Overlaps reports whether the closed range [start, end] intersects the
// window. Nil bounds are open-ended.
func (w Window) Overlaps(start, end *time.Time) bool {
	if start != nil && !start.Before(w.To) {
		return false
	}
	if end != nil && end.Before(w.From) {
		return false
	}
	return true
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return !w.From.IsZero() && w.To.After(w.From)
}
