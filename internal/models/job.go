package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job types dispatched by the queue.
const (
	JobTypeSubmitInvoice  = "submit-invoice"
	JobTypeProcessWebhook = "process-webhook"
)

// Job lifecycle states persisted in Postgres. This vocabulary is stable:
// operator tooling reads it directly.
const (
	JobStatusPending   = "pending"
	JobStatusActive    = "active"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job represents a unit of deferred work persisted in Postgres.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	RunAt       time.Time      `json:"run_at"`
	LastError   *string        `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DefaultMaxAttempts returns the retry budget for a job type. Webhook
// processing is side-effect-light and safe to retry more aggressively.
func DefaultMaxAttempts(jobType string) int {
	switch jobType {
	case JobTypeProcessWebhook:
		return 5
	default:
		return 3
	}
}

// SubmitInvoicePayload is carried by submit-invoice jobs.
type SubmitInvoicePayload struct {
	InvoiceID int64 `json:"invoice_id"`
	CompanyID int64 `json:"company_id"`
	UserID    int64 `json:"user_id"`
}

// ProcessWebhookPayload is carried by process-webhook jobs.
type ProcessWebhookPayload struct {
	WebhookID   int64  `json:"webhook_id"`
	EventType   string `json:"event_type"`
	AuthorityID string `json:"authority_id"`
}

// EncodePayload flattens a typed payload into the map stored on the job row.
func EncodePayload(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return m, nil
}

// DecodePayload parses a job payload map back into a typed struct.
func DecodePayload(m map[string]any, out any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// AuditLog is a simple audit event row shared by jobs and invoices.
type AuditLog struct {
	Entity   string    `json:"entity"`
	EntityID string    `json:"entity_id"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
