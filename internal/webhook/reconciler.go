// Package webhook reconciles local invoice state with status notifications
// pushed by the authority.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/store"
	"github.com/zoxknez/efaktura-core/internal/worker"
)

// statusByEvent maps authority event types to invoice pipeline states.
// Unrecognized event types are logged and ignored.
var statusByEvent = map[string]string{
	"delivered": models.InvoiceDelivered,
	"accepted":  models.InvoiceAccepted,
	"rejected":  models.InvoiceRejected,
	"cancelled": models.InvoiceCancelled,
	"expired":   models.InvoiceExpired,
}

// EventStore is the slice of persistence the reconciler needs.
type EventStore interface {
	GetWebhookEvent(ctx context.Context, id int64) (models.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id int64, note *string) error
	SetWebhookError(ctx context.Context, id int64, msg string) error
	FindInvoiceByAuthorityID(ctx context.Context, authorityID string) (models.Invoice, error)
	SetInvoiceAuthorityStatus(ctx context.Context, id int64, status, authorityStatus string) error
	AppendAudit(ctx context.Context, entity, entityID, action, detail string) error
}

// Reconciler handles process-webhook jobs.
type Reconciler struct {
	store  EventStore
	logger *zap.Logger
}

func New(st EventStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: st, logger: logger}
}

// Handle processes one webhook event. It is safe to run twice for the same
// event: re-applying a status is an overwrite, and the audit trail only grows
// when the status actually changes.
func (r *Reconciler) Handle(ctx context.Context, job models.Job) error {
	var p models.ProcessWebhookPayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		return worker.Fatal(fmt.Errorf("process-webhook payload: %w", err))
	}
	log := r.logger.With(zap.Int64("webhook_id", p.WebhookID), zap.String("event_type", p.EventType))

	ev, err := r.store.GetWebhookEvent(ctx, p.WebhookID)
	if err != nil {
		if errors.Is(err, store.ErrWebhookNotFound) {
			return worker.Fatal(fmt.Errorf("webhook event %d missing: %w", p.WebhookID, err))
		}
		return r.failEvent(ctx, p.WebhookID, fmt.Errorf("load webhook event: %w", err))
	}
	if ev.Processed {
		log.Info("webhook event already processed")
		return nil
	}

	inv, err := r.store.FindInvoiceByAuthorityID(ctx, p.AuthorityID)
	if err != nil {
		if errors.Is(err, store.ErrInvoiceNotFound) {
			// The invoice may belong to another tenant or environment; not
			// worth retrying, but worth an explanation on the event.
			note := fmt.Sprintf("no invoice found for authority id %s", p.AuthorityID)
			log.Warn("webhook for unknown invoice", zap.String("authority_id", p.AuthorityID))
			if err := r.store.MarkWebhookProcessed(ctx, ev.ID, &note); err != nil {
				return r.failEvent(ctx, ev.ID, fmt.Errorf("mark processed: %w", err))
			}
			return nil
		}
		return r.failEvent(ctx, ev.ID, fmt.Errorf("find invoice: %w", err))
	}

	target, known := statusByEvent[p.EventType]
	if !known {
		log.Warn("unrecognized webhook event type, ignoring")
	} else if inv.Status != target {
		if err := r.store.SetInvoiceAuthorityStatus(ctx, inv.ID, target, p.EventType); err != nil {
			return r.failEvent(ctx, ev.ID, fmt.Errorf("update invoice status: %w", err))
		}
		_ = r.store.AppendAudit(ctx, "invoice", strconv.FormatInt(inv.ID, 10), "status_change",
			fmt.Sprintf("webhook=%d %s -> %s payload=%s", ev.ID, inv.Status, target, ev.Payload))
		log.Info("invoice status reconciled",
			zap.Int64("invoice_id", inv.ID),
			zap.String("from", inv.Status),
			zap.String("to", target))
	}

	if err := r.store.MarkWebhookProcessed(ctx, ev.ID, nil); err != nil {
		return r.failEvent(ctx, ev.ID, fmt.Errorf("mark processed: %w", err))
	}
	return nil
}

// failEvent records the error on the event row and hands the failure to the
// queue's retry policy; processed stays false.
func (r *Reconciler) failEvent(ctx context.Context, eventID int64, err error) error {
	if setErr := r.store.SetWebhookError(ctx, eventID, err.Error()); setErr != nil {
		r.logger.Error("record webhook error failed", zap.Int64("webhook_id", eventID), zap.Error(setErr))
	}
	return worker.Retryable(err)
}
