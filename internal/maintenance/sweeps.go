package maintenance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/quiethours"
	"github.com/zoxknez/efaktura-core/internal/telemetry"
)

// SweepStore is the slice of persistence the sweeps operate on.
type SweepStore interface {
	FailedRetryable(ctx context.Context, limit int) ([]models.Job, error)
	FailedExhausted(ctx context.Context, limit int) ([]models.Job, error)
	CancelJob(ctx context.Context, id, annotation string) (bool, error)
	DeleteJobsBefore(ctx context.Context, status string, cutoff time.Time) (int64, error)
	PruneJobs(ctx context.Context, status string, keep int) (int64, error)
	DeleteProcessedWebhooksBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountVisibleJobs(ctx context.Context) (int64, error)
	AppendAudit(ctx context.Context, entity, entityID, action, detail string) error
}

// Requeuer re-enqueues failed jobs as new jobs.
type Requeuer interface {
	Requeue(ctx context.Context, job models.Job, runAt time.Time) (models.Job, error)
}

// DepthReader samples ready-queue depth per queue.
type DepthReader interface {
	ReadyDepth(ctx context.Context, jobType string) (int64, error)
}

// Options bounds the sweeps.
type Options struct {
	RetryBatch       int
	DeadLetterBatch  int
	JobRetention     time.Duration
	WebhookRetention time.Duration
	KeepCompleted    int
	KeepFailed       int
}

// Sweeper implements the periodic sweeps registered with the Scheduler.
// Per-item failures are logged and isolated so one bad record cannot halt a
// batch.
type Sweeper struct {
	store    SweepStore
	requeuer Requeuer
	depth    DepthReader
	window   quiethours.Window
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

func NewSweeper(st SweepStore, rq Requeuer, depth DepthReader, window quiethours.Window, opts Options, logger *zap.Logger) *Sweeper {
	if opts.RetryBatch == 0 {
		opts.RetryBatch = 50
	}
	if opts.DeadLetterBatch == 0 {
		opts.DeadLetterBatch = 100
	}
	return &Sweeper{
		store:    st,
		requeuer: rq,
		depth:    depth,
		window:   window,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the clock; used by tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// RetrySweep re-enqueues failed jobs that still have budget, oldest first.
// Each becomes a new job; the original row is closed out as superseded so
// the next sweep does not pick it up again.
func (s *Sweeper) RetrySweep(ctx context.Context) error {
	jobs, err := s.store.FailedRetryable(ctx, s.opts.RetryBatch)
	if err != nil {
		return fmt.Errorf("retry sweep: %w", err)
	}

	now := s.now()
	quiet := s.window.Contains(now)
	for _, job := range jobs {
		if job.Type == models.JobTypeSubmitInvoice && quiet {
			continue
		}
		created, err := s.requeuer.Requeue(ctx, job, now)
		if err != nil {
			s.logger.Error("retry sweep requeue failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if _, err := s.store.CancelJob(ctx, job.ID, fmt.Sprintf("superseded by retry job %s", created.ID)); err != nil {
			s.logger.Error("retry sweep close-out failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// DeadLetterSweep moves jobs with an exhausted budget to the terminal
// cancelled state for operator triage.
func (s *Sweeper) DeadLetterSweep(ctx context.Context) error {
	jobs, err := s.store.FailedExhausted(ctx, s.opts.DeadLetterBatch)
	if err != nil {
		return fmt.Errorf("dead-letter sweep: %w", err)
	}
	for _, job := range jobs {
		moved, err := s.store.CancelJob(ctx, job.ID,
			fmt.Sprintf("dead-lettered after %d/%d attempts", job.Attempts, job.MaxAttempts))
		if err != nil {
			s.logger.Error("dead-letter sweep failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if moved {
			_ = s.store.AppendAudit(ctx, "job", job.ID, "dead_letter", derefOr(job.LastError, "no error recorded"))
			telemetry.JobsDeadLettered.WithLabelValues(job.Type).Inc()
			s.logger.Warn("job dead-lettered", zap.String("job_id", job.ID), zap.String("type", job.Type))
		}
	}
	return nil
}

// RetentionCleanup deletes aged job and webhook records and enforces the
// keep-N bounds on completed and failed jobs.
func (s *Sweeper) RetentionCleanup(ctx context.Context) error {
	now := s.now()
	jobCutoff := now.Add(-s.opts.JobRetention)
	webhookCutoff := now.Add(-s.opts.WebhookRetention)

	for _, status := range []string{models.JobStatusCompleted, models.JobStatusCancelled} {
		n, err := s.store.DeleteJobsBefore(ctx, status, jobCutoff)
		if err != nil {
			s.logger.Error("retention delete failed", zap.String("status", status), zap.Error(err))
			continue
		}
		if n > 0 {
			s.logger.Info("aged jobs deleted", zap.String("status", status), zap.Int64("count", n))
		}
	}

	if s.opts.KeepCompleted > 0 {
		if _, err := s.store.PruneJobs(ctx, models.JobStatusCompleted, s.opts.KeepCompleted); err != nil {
			s.logger.Error("prune completed failed", zap.Error(err))
		}
	}
	if s.opts.KeepFailed > 0 {
		if _, err := s.store.PruneJobs(ctx, models.JobStatusFailed, s.opts.KeepFailed); err != nil {
			s.logger.Error("prune failed jobs failed", zap.Error(err))
		}
	}

	n, err := s.store.DeleteProcessedWebhooksBefore(ctx, webhookCutoff)
	if err != nil {
		return fmt.Errorf("webhook retention: %w", err)
	}
	if n > 0 {
		s.logger.Info("aged webhook events deleted", zap.Int64("count", n))
	}
	return nil
}

// SampleQueueDepth publishes ready depth per queue and the count of due
// pending jobs.
func (s *Sweeper) SampleQueueDepth(ctx context.Context) error {
	for _, jobType := range []string{models.JobTypeSubmitInvoice, models.JobTypeProcessWebhook} {
		depth, err := s.depth.ReadyDepth(ctx, jobType)
		if err != nil {
			s.logger.Warn("queue depth sample failed", zap.String("queue", jobType), zap.Error(err))
			continue
		}
		telemetry.QueueDepth.WithLabelValues(jobType).Set(float64(depth))
	}
	visible, err := s.store.CountVisibleJobs(ctx)
	if err != nil {
		return fmt.Errorf("count visible jobs: %w", err)
	}
	telemetry.VisibleJobs.Set(float64(visible))
	return nil
}

func derefOr(v *string, def string) string {
	if v != nil {
		return *v
	}
	return def
}
