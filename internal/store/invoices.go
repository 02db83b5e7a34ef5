package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/zoxknez/efaktura-core/internal/models"
)

// ErrInvoiceNotFound is returned when an invoice id has no row.
var ErrInvoiceNotFound = errors.New("invoice not found")

const invoiceColumns = `
	id, company_id, invoice_number, status, authority_id, authority_status,
	note, document_key, subtotal, tax_amount, total, issue_date, due_date,
	sent_at, created_at, updated_at`

// GetInvoice fetches an invoice by id.
func (s *Store) GetInvoice(ctx context.Context, id int64) (models.Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

// FindInvoiceByAuthorityID looks up the invoice a webhook notification
// refers to.
func (s *Store) FindInvoiceByAuthorityID(ctx context.Context, authorityID string) (models.Invoice, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE authority_id = $1`, authorityID)
	return scanInvoice(row)
}

// GetInvoiceLines returns an invoice's line items.
func (s *Store) GetInvoiceLines(ctx context.Context, invoiceID int64) ([]models.InvoiceLine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, invoice_id, name, quantity, unit_price, tax_rate, total, tax_amount
		FROM invoice_lines WHERE invoice_id = $1 ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query invoice lines: %w", err)
	}
	defer rows.Close()

	var lines []models.InvoiceLine
	for rows.Next() {
		var l models.InvoiceLine
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.Name, &l.Quantity, &l.UnitPrice,
			&l.TaxRate, &l.Total, &l.TaxAmount); err != nil {
			return nil, fmt.Errorf("scan invoice line: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// GetCompany fetches a company with its submission credential.
func (s *Store) GetCompany(ctx context.Context, id int64) (models.Company, error) {
	var c models.Company
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, tax_id, api_key, payment_terms_days FROM companies WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.TaxID, &c.APIKey, &c.PaymentTermsDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Company{}, fmt.Errorf("company %d: %w", id, pgx.ErrNoRows)
	}
	if err != nil {
		return models.Company{}, fmt.Errorf("scan company: %w", err)
	}
	return c, nil
}

// MarkInvoiceSent records a successful transmission. The draft guard makes a
// duplicate or stale job a no-op instead of moving the invoice backward.
func (s *Store) MarkInvoiceSent(ctx context.Context, id int64, authorityID, authorityStatus, documentKey string, sentAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE invoices
		SET status = $2, authority_id = $3, authority_status = $4,
		    document_key = $5, sent_at = $6, note = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $7
	`, id, models.InvoiceSent, authorityID, authorityStatus, documentKey, sentAt, models.InvoiceDraft)
	if err != nil {
		return false, fmt.Errorf("mark invoice sent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RevertInvoiceToDraft surfaces a terminal submission failure to a human via
// the note field.
func (s *Store) RevertInvoiceToDraft(ctx context.Context, id int64, note string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices SET status = $2, note = $3, updated_at = NOW() WHERE id = $1
	`, id, models.InvoiceDraft, note)
	return err
}

// SetInvoiceAuthorityStatus applies a reconciled status from the authority.
// Re-applying the same status is a harmless overwrite.
func (s *Store) SetInvoiceAuthorityStatus(ctx context.Context, id int64, status, authorityStatus string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE invoices SET status = $2, authority_status = $3, updated_at = NOW() WHERE id = $1
	`, id, status, authorityStatus)
	return err
}

func scanInvoice(row pgx.Row) (models.Invoice, error) {
	var inv models.Invoice
	var authorityID, authorityStatus, note, documentKey pgtype.Text
	var sentAt pgtype.Timestamptz

	err := row.Scan(&inv.ID, &inv.CompanyID, &inv.InvoiceNumber, &inv.Status,
		&authorityID, &authorityStatus, &note, &documentKey,
		&inv.Subtotal, &inv.TaxAmount, &inv.Total, &inv.IssueDate, &inv.DueDate,
		&sentAt, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return models.Invoice{}, fmt.Errorf("scan invoice: %w", err)
	}
	inv.AuthorityID = textPtr(authorityID)
	inv.AuthorityStatus = textPtr(authorityStatus)
	inv.Note = textPtr(note)
	inv.DocumentKey = textPtr(documentKey)
	inv.SentAt = timePtr(sentAt)
	return inv, nil
}
