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

// ErrWebhookNotFound is returned when a webhook event id has no row.
var ErrWebhookNotFound = errors.New("webhook event not found")

// CreateWebhookEvent records an inbound notification before processing is
// enqueued, so delivery and handling are decoupled.
func (s *Store) CreateWebhookEvent(ctx context.Context, eventType, authorityID, payload string) (models.WebhookEvent, error) {
	ev := models.WebhookEvent{
		EventType:   eventType,
		AuthorityID: authorityID,
		Payload:     payload,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_events (event_type, authority_id, payload, processed, created_at)
		VALUES ($1, $2, $3, FALSE, NOW())
		RETURNING id, created_at
	`, eventType, authorityID, payload).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("insert webhook event: %w", err)
	}
	return ev, nil
}

// GetWebhookEvent fetches a webhook event by id.
func (s *Store) GetWebhookEvent(ctx context.Context, id int64) (models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var procErr pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_type, authority_id, payload, processed, error, created_at
		FROM webhook_events WHERE id = $1
	`, id).Scan(&ev.ID, &ev.EventType, &ev.AuthorityID, &ev.Payload, &ev.Processed, &procErr, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookEvent{}, ErrWebhookNotFound
	}
	if err != nil {
		return models.WebhookEvent{}, fmt.Errorf("scan webhook event: %w", err)
	}
	ev.Error = textPtr(procErr)
	return ev, nil
}

// MarkWebhookProcessed flags the event done, optionally with an explanatory
// note (for example when no local invoice matches the notification).
func (s *Store) MarkWebhookProcessed(ctx context.Context, id int64, note *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET processed = TRUE, error = $2 WHERE id = $1
	`, id, note)
	return err
}

// SetWebhookError records a processing failure while leaving the event
// unprocessed so the queue's retry can reattempt it.
func (s *Store) SetWebhookError(ctx context.Context, id int64, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET error = $2 WHERE id = $1
	`, id, msg)
	return err
}

// DeleteProcessedWebhooksBefore removes processed events older than cutoff.
func (s *Store) DeleteProcessedWebhooksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM webhook_events WHERE processed = TRUE AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}
