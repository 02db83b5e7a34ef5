// Package worker drives job dispatch: a fixed-size pool per job type leases
// job ids from Redis, loads state from Postgres, runs the registered handler,
// and applies the retry policy to the outcome.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/telemetry"
)

// Handler executes one job.
type Handler func(ctx context.Context, job models.Job) error

// JobStore is the slice of the persistence layer the processor needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobActive(ctx context.Context, id string) (bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, attempts int, lastErr string, closeBudget bool) error
	RescheduleJob(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error
	AppendAudit(ctx context.Context, entity, entityID, action, detail string) error
}

// Queue is the transport the processor leases jobs from.
type Queue interface {
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	ExpiredLeases(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReleaseLeases(ctx context.Context, ids []string) error
	DequeueWithLease(ctx context.Context, jobType string) (string, error)
	Schedule(ctx context.Context, jobID, jobType string, runAt time.Time) error
	Ack(ctx context.Context, jobID string) error
}

// Options bounds the dispatch loop.
type Options struct {
	PollInterval       time.Duration
	ScheduledBatchSize int64
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	Workers            map[string]int // workers per job type
}

// Processor owns the dispatch loop. Construct with New and run with Run;
// there is no process-wide instance, tests build their own.
type Processor struct {
	opts     Options
	queue    Queue
	store    JobStore
	handlers map[string]Handler
	logger   *zap.Logger
}

func New(opts Options, q Queue, st JobStore, logger *zap.Logger) *Processor {
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	if opts.ScheduledBatchSize == 0 {
		opts.ScheduledBatchSize = 100
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 15 * time.Minute
	}
	return &Processor{
		opts:     opts,
		queue:    q,
		store:    st,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the promotion loop and one worker pool per registered job type,
// blocking until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.promoteLoop(ctx)
	}()

	for jobType := range p.handlers {
		workers := p.opts.Workers[jobType]
		if workers <= 0 {
			workers = 1
		}
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(jobType string, id int) {
				defer wg.Done()
				p.workerLoop(ctx, jobType, id)
			}(jobType, i)
		}
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// promoteLoop moves due scheduled jobs to ready lists and reclaims expired
// leases.
func (p *Processor) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, p.opts.ScheduledBatchSize); err != nil {
			p.logger.Warn("promote scheduled failed", zap.Error(err))
		}
		p.reclaimExpired(ctx, now)
	}
}

// reclaimExpired resets rows of timed-out leases back to pending BEFORE their
// ids return to the ready lists. The other order loses jobs: a worker can
// dequeue a reclaimed id while the row still reads active, fail the claim
// CAS, and ack the id away; the subsequent row reset then leaves a pending
// job nothing will ever dispatch.
func (p *Processor) reclaimExpired(ctx context.Context, now time.Time) {
	ids, err := p.queue.ExpiredLeases(ctx, now, 100)
	if err != nil {
		p.logger.Warn("expired lease scan failed", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		job, err := p.store.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if job.Status == models.JobStatusActive {
			_ = p.store.RescheduleJob(ctx, id, job.Attempts, now, "lease expired")
		}
	}
	if err := p.queue.ReleaseLeases(ctx, ids); err != nil {
		p.logger.Warn("release expired leases failed", zap.Error(err))
	}
}

func (p *Processor) workerLoop(ctx context.Context, jobType string, workerID int) {
	log := p.logger.With(zap.String("queue", jobType), zap.Int("worker_id", workerID))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		default:
		}

		jobID, err := p.queue.DequeueWithLease(ctx, jobType)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
			continue
		}
		p.dispatch(ctx, jobType, jobID, log)
	}
}

func (p *Processor) dispatch(ctx context.Context, jobType, jobID string, log *zap.Logger) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Warn("leased job not loadable", zap.String("job_id", jobID), zap.Error(err))
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Status == models.JobStatusCancelled || job.Status == models.JobStatusCompleted {
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	claimed, err := p.store.MarkJobActive(ctx, jobID)
	if err != nil || !claimed {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	handlerErr := p.handlers[jobType](ctx, job)
	if handlerErr == nil {
		_ = p.queue.Ack(ctx, jobID)
		if err := p.store.CompleteJob(ctx, jobID); err != nil {
			log.Error("complete job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		telemetry.JobsCompleted.WithLabelValues(jobType).Inc()
		return
	}

	attempts := job.Attempts + 1
	kind := Classify(handlerErr)
	telemetry.JobsFailed.WithLabelValues(jobType, kind.String()).Inc()

	if kind == KindFatal {
		_ = p.queue.Ack(ctx, jobID)
		if err := p.store.FailJob(ctx, jobID, attempts, handlerErr.Error(), true); err != nil {
			log.Error("fail job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		_ = p.store.AppendAudit(ctx, "job", jobID, "failed", handlerErr.Error())
		log.Warn("job failed fatally", zap.String("job_id", jobID), zap.Error(handlerErr))
		return
	}

	if attempts >= job.MaxAttempts {
		_ = p.queue.Ack(ctx, jobID)
		if err := p.store.FailJob(ctx, jobID, attempts, handlerErr.Error(), false); err != nil {
			log.Error("fail job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		_ = p.store.AppendAudit(ctx, "job", jobID, "failed",
			fmt.Sprintf("retries exhausted after %d attempts: %v", attempts, handlerErr))
		log.Warn("job exhausted retries", zap.String("job_id", jobID), zap.Int("attempts", attempts), zap.Error(handlerErr))
		return
	}

	nextRun := time.Now().Add(Backoff(p.opts.BackoffBase, p.opts.BackoffMax, attempts))
	_ = p.queue.Ack(ctx, jobID)
	if err := p.store.RescheduleJob(ctx, jobID, attempts, nextRun, handlerErr.Error()); err != nil {
		log.Error("reschedule job failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if err := p.queue.Schedule(ctx, jobID, jobType, nextRun); err != nil {
		log.Error("schedule retry failed", zap.String("job_id", jobID), zap.Error(err))
	}
	_ = p.store.AppendAudit(ctx, "job", jobID, "retry_scheduled",
		fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
}

// Backoff computes the delay before the given attempt number: base doubling
// per attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := base << shift
	if d > max || d < base {
		return max
	}
	return d
}
