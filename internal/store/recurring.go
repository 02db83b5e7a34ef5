package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/zoxknez/efaktura-core/internal/models"
)

// DueProfiles returns active profiles whose next run is due at now and whose
// end date, if any, has not passed.
func (s *Store) DueProfiles(ctx context.Context, now time.Time, limit int) ([]models.RecurringProfile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, name, frequency, start_date, end_date, next_run_at, last_run_at, status, items
		FROM recurring_profiles
		WHERE status = $1 AND next_run_at <= $2 AND (end_date IS NULL OR end_date > $2)
		ORDER BY next_run_at ASC
		LIMIT $3
	`, models.ProfileActive, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.RecurringProfile
	for rows.Next() {
		var p models.RecurringProfile
		var endDate pgtype.Date
		var lastRun pgtype.Timestamptz
		var itemsJSON []byte
		if err := rows.Scan(&p.ID, &p.CompanyID, &p.Name, &p.Frequency, &p.StartDate,
			&endDate, &p.NextRunAt, &lastRun, &p.Status, &itemsJSON); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if endDate.Valid {
			d := endDate.Time
			p.EndDate = &d
		}
		p.LastRunAt = timePtr(lastRun)
		if err := json.Unmarshal(itemsJSON, &p.Items); err != nil {
			return nil, fmt.Errorf("unmarshal profile items: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// GeneratedLine is one computed line of a materialized invoice.
type GeneratedLine struct {
	Name      string
	Quantity  float64
	UnitPrice float64
	TaxRate   float64
	Total     float64
	TaxAmount float64
}

// GeneratedInvoiceParams carries everything the generator computed for one
// profile run. The invoice number is assigned inside the transaction.
type GeneratedInvoiceParams struct {
	ProfileID       int64
	CompanyID       int64
	IssueDate       time.Time
	DueDate         time.Time
	Subtotal        float64
	TaxAmount       float64
	Total           float64
	Lines           []GeneratedLine
	NextRunAt       time.Time
	LastRunAt       time.Time
	ProfileComplete bool
}

// CreateRecurringInvoice materializes one invoice from a profile in a single
// transaction: sequential numbering scoped to company and year, the invoice
// and its lines, and the profile's schedule advancement all commit together
// so a partial failure cannot advance the schedule without its invoice.
func (s *Store) CreateRecurringInvoice(ctx context.Context, p GeneratedInvoiceParams) (int64, string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	year := p.IssueDate.Year()
	var seq int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM invoices WHERE company_id = $1 AND year = $2
	`, p.CompanyID, year).Scan(&seq); err != nil {
		return 0, "", fmt.Errorf("next invoice seq: %w", err)
	}
	number := fmt.Sprintf("%d-%04d", year, seq)

	var invoiceID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO invoices (company_id, invoice_number, seq, year, status, subtotal, tax_amount, total,
		                      issue_date, due_date, recurring_profile_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING id
	`, p.CompanyID, number, seq, year, models.InvoiceDraft, p.Subtotal, p.TaxAmount, p.Total,
		p.IssueDate, p.DueDate, p.ProfileID).Scan(&invoiceID); err != nil {
		return 0, "", fmt.Errorf("insert invoice: %w", err)
	}

	for _, l := range p.Lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO invoice_lines (invoice_id, name, quantity, unit_price, tax_rate, total, tax_amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, invoiceID, l.Name, l.Quantity, l.UnitPrice, l.TaxRate, l.Total, l.TaxAmount); err != nil {
			return 0, "", fmt.Errorf("insert invoice line: %w", err)
		}
	}

	profileStatus := models.ProfileActive
	if p.ProfileComplete {
		profileStatus = models.ProfileCompleted
	}
	tag, err := tx.Exec(ctx, `
		UPDATE recurring_profiles
		SET next_run_at = $2, last_run_at = $3, status = $4
		WHERE id = $1 AND status = $5
	`, p.ProfileID, p.NextRunAt, p.LastRunAt, profileStatus, models.ProfileActive)
	if err != nil {
		return 0, "", fmt.Errorf("advance profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, "", fmt.Errorf("profile %d no longer active", p.ProfileID)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, "", fmt.Errorf("commit: %w", err)
	}
	return invoiceID, number, nil
}
