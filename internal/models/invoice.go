package models

import "time"

// Invoice pipeline states. Only draft invoices may be queued for submission;
// the submission worker and the webhook reconciler are the only writers of
// the downstream states.
const (
	InvoiceDraft     = "draft"
	InvoiceSent      = "sent"
	InvoiceDelivered = "delivered"
	InvoiceAccepted  = "accepted"
	InvoiceRejected  = "rejected"
	InvoiceCancelled = "cancelled"
	InvoiceExpired   = "expired"
)

// Invoice is the subset of invoice attributes the dispatch engine touches.
type Invoice struct {
	ID              int64      `json:"id"`
	CompanyID       int64      `json:"company_id"`
	InvoiceNumber   string     `json:"invoice_number"`
	Status          string     `json:"status"`
	AuthorityID     *string    `json:"authority_id,omitempty"`
	AuthorityStatus *string    `json:"authority_status,omitempty"`
	Note            *string    `json:"note,omitempty"`
	DocumentKey     *string    `json:"document_key,omitempty"`
	Subtotal        float64    `json:"subtotal"`
	TaxAmount       float64    `json:"tax_amount"`
	Total           float64    `json:"total"`
	IssueDate       time.Time  `json:"issue_date"`
	DueDate         time.Time  `json:"due_date"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// InvoiceLine is a single billed position on an invoice.
type InvoiceLine struct {
	ID        int64   `json:"id"`
	InvoiceID int64   `json:"invoice_id"`
	Name      string  `json:"name"`
	Quantity  float64 `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	TaxRate   float64 `json:"tax_rate"`
	Total     float64 `json:"total"`
	TaxAmount float64 `json:"tax_amount"`
}

// Company carries the submission credential and the billing defaults used
// when materializing recurring invoices.
type Company struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	TaxID            string `json:"tax_id"`
	APIKey           string `json:"-"`
	PaymentTermsDays int    `json:"payment_terms_days"`
}

// WebhookEvent is an inbound authority notification kept for idempotency
// and audit.
type WebhookEvent struct {
	ID          int64     `json:"id"`
	EventType   string    `json:"event_type"`
	AuthorityID string    `json:"authority_id"`
	Payload     string    `json:"payload"`
	Processed   bool      `json:"processed"`
	Error       *string   `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
