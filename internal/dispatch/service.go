// Package dispatch exposes the enqueue operations the rest of the
// application calls to hand work to the engine.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/quiethours"
	"github.com/zoxknez/efaktura-core/internal/store"
	"github.com/zoxknez/efaktura-core/internal/telemetry"
)

// JobCreator persists job rows.
type JobCreator interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	AppendAudit(ctx context.Context, entity, entityID, action, detail string) error
}

// Enqueuer pushes job ids onto the transport.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID, jobType string, runAt time.Time) error
}

// Service persists a job and schedules it, consulting the quiet-hours gate
// on submission paths. Explicitly constructed, no package-level instance.
type Service struct {
	store  JobCreator
	queue  Enqueuer
	window quiethours.Window
	logger *zap.Logger
	now    func() time.Time
}

func New(st JobCreator, q Enqueuer, window quiethours.Window, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		queue:  q,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the clock; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// EnqueueInvoiceSubmission schedules transmission of a draft invoice. Inside
// the blackout window the job is created with runAt at the window's end
// instead of being bounced back to the caller.
func (s *Service) EnqueueInvoiceSubmission(ctx context.Context, invoiceID, companyID, userID int64) (models.Job, error) {
	payload, err := models.EncodePayload(models.SubmitInvoicePayload{
		InvoiceID: invoiceID,
		CompanyID: companyID,
		UserID:    userID,
	})
	if err != nil {
		return models.Job{}, err
	}

	runAt := s.now()
	if delay := s.window.UntilEnd(runAt); delay > 0 {
		s.logger.Info("submission enqueued into quiet hours, deferring",
			zap.Int64("invoice_id", invoiceID),
			zap.Duration("delay", delay))
		runAt = runAt.Add(delay)
	}
	return s.enqueue(ctx, models.JobTypeSubmitInvoice, payload, runAt,
		fmt.Sprintf("invoice=%d company=%d user=%d", invoiceID, companyID, userID))
}

// EnqueueSubmissionAt schedules a submission job at an explicit time. The
// submission worker uses this to defer out of the blackout window.
func (s *Service) EnqueueSubmissionAt(ctx context.Context, p models.SubmitInvoicePayload, runAt time.Time) (models.Job, error) {
	payload, err := models.EncodePayload(p)
	if err != nil {
		return models.Job{}, err
	}
	return s.enqueue(ctx, models.JobTypeSubmitInvoice, payload, runAt,
		fmt.Sprintf("invoice=%d deferred", p.InvoiceID))
}

// EnqueueWebhookProcessing schedules reconciliation of a recorded webhook
// event.
func (s *Service) EnqueueWebhookProcessing(ctx context.Context, webhookID int64, eventType, authorityID string) (models.Job, error) {
	payload, err := models.EncodePayload(models.ProcessWebhookPayload{
		WebhookID:   webhookID,
		EventType:   eventType,
		AuthorityID: authorityID,
	})
	if err != nil {
		return models.Job{}, err
	}
	return s.enqueue(ctx, models.JobTypeProcessWebhook, payload, s.now(),
		fmt.Sprintf("webhook=%d event=%s", webhookID, eventType))
}

// Requeue creates a fresh job from a failed one, carrying the consumed
// attempt count forward. The original row is never mutated back to pending.
func (s *Service) Requeue(ctx context.Context, job models.Job, runAt time.Time) (models.Job, error) {
	created, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Type:        job.Type,
		Payload:     job.Payload,
		RunAt:       runAt,
		MaxAttempts: job.MaxAttempts,
		Attempts:    job.Attempts,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("recreate job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, created.ID, created.Type, runAt); err != nil {
		return models.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	_ = s.store.AppendAudit(ctx, "job", created.ID, "enqueued", fmt.Sprintf("retry of job %s", job.ID))
	telemetry.JobsEnqueued.WithLabelValues(created.Type).Inc()
	return created, nil
}

func (s *Service) enqueue(ctx context.Context, jobType string, payload map[string]any, runAt time.Time, detail string) (models.Job, error) {
	job, err := s.store.CreateJob(ctx, store.CreateJobParams{
		Type:    jobType,
		Payload: payload,
		RunAt:   runAt,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job.ID, job.Type, runAt); err != nil {
		return models.Job{}, fmt.Errorf("enqueue: %w", err)
	}
	_ = s.store.AppendAudit(ctx, "job", job.ID, "enqueued", detail)
	telemetry.JobsEnqueued.WithLabelValues(jobType).Inc()
	return job, nil
}
