package models

import "time"

// Recurring profile frequencies.
const (
	FrequencyWeekly    = "weekly"
	FrequencyMonthly   = "monthly"
	FrequencyQuarterly = "quarterly"
	FrequencyYearly    = "yearly"
)

// Recurring profile states. A profile moves to completed automatically once
// its computed next run would pass the end date.
const (
	ProfileActive    = "active"
	ProfileCompleted = "completed"
	ProfileCancelled = "cancelled"
)

// RecurringProfile is a template that spawns invoices on a calendar schedule.
// Items are a snapshot decoupled from any live catalog so historical
// generation stays reproducible.
type RecurringProfile struct {
	ID        int64         `json:"id"`
	CompanyID int64         `json:"company_id"`
	Name      string        `json:"name"`
	Frequency string        `json:"frequency"`
	StartDate time.Time     `json:"start_date"`
	EndDate   *time.Time    `json:"end_date,omitempty"`
	NextRunAt time.Time     `json:"next_run_at"`
	LastRunAt *time.Time    `json:"last_run_at,omitempty"`
	Status    string        `json:"status"`
	Items     []ProfileItem `json:"items"`
}

// ProfileItem is one templated line of a recurring profile.
type ProfileItem struct {
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	TaxRate   float64 `json:"tax_rate"`
}

// NextAfter advances t by one schedule step for the profile's frequency.
func (p RecurringProfile) NextAfter(t time.Time) time.Time {
	switch p.Frequency {
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case FrequencyQuarterly:
		return t.AddDate(0, 3, 0)
	case FrequencyYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}
