package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/zoxknez/efaktura-core/internal/models"
)

// ErrJobNotFound is returned when a job id has no row.
var ErrJobNotFound = errors.New("job not found")

// CreateJobParams collects inputs required to insert a job. Attempts is
// non-zero when the retry sweep re-enqueues a failed job and carries the
// consumed budget forward.
type CreateJobParams struct {
	Type        string
	Payload     map[string]any
	RunAt       time.Time
	MaxAttempts int
	Attempts    int
}

// CreateJob inserts a pending job row and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = models.DefaultMaxAttempts(p.Type)
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.Type, payloadJSON, models.JobStatusPending, p.Attempts, p.MaxAttempts, p.RunAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.JobStatusPending,
		Attempts:    p.Attempts,
		MaxAttempts: p.MaxAttempts,
		RunAt:       p.RunAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// MarkJobActive transitions pending -> active. The compare-and-set guards
// against a second worker dispatching the same job off a stale lease.
func (s *Store) MarkJobActive(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.JobStatusActive, models.JobStatusPending)
	if err != nil {
		return false, fmt.Errorf("mark job active: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CompleteJob transitions active -> completed and clears the error field.
func (s *Store) CompleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.JobStatusCompleted, models.JobStatusActive)
	return err
}

// FailJob transitions active -> failed with the attempt count and last error.
// When closeBudget is set the remaining retry budget is collapsed to the
// attempts already made, so the retry sweep never resurrects the job while
// the recorded attempt count stays truthful.
func (s *Store) FailJob(ctx context.Context, id string, attempts int, lastErr string, closeBudget bool) error {
	if closeBudget {
		_, err := s.pool.Exec(ctx, `
			UPDATE jobs SET status = $2, attempts = $3, max_attempts = $3, last_error = $4, updated_at = NOW()
			WHERE id = $1 AND status = $5
		`, id, models.JobStatusFailed, attempts, lastErr, models.JobStatusActive)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.JobStatusFailed, attempts, lastErr, models.JobStatusActive)
	return err
}

// RescheduleJob moves an active job back to pending with a new run time
// after a retryable failure.
func (s *Store) RescheduleJob(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.JobStatusPending, attempts, runAt, lastErr, models.JobStatusActive)
	return err
}

// CancelJob transitions failed -> cancelled, appending an annotation to the
// retained error message. Used by the dead-letter and retry sweeps.
func (s *Store) CancelJob(ctx context.Context, id, annotation string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    last_error = COALESCE(last_error, '') || $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.JobStatusCancelled, "; "+annotation, models.JobStatusFailed)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailedRetryable returns failed jobs with remaining budget, oldest-updated
// first, bounded to limit.
func (s *Store) FailedRetryable(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at
		FROM jobs
		WHERE status = $1 AND attempts < max_attempts
		ORDER BY updated_at ASC
		LIMIT $2
	`, models.JobStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query retryable jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// FailedExhausted returns failed jobs whose retry budget is spent,
// oldest-updated first.
func (s *Store) FailedExhausted(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at
		FROM jobs
		WHERE status = $1 AND attempts >= max_attempts
		ORDER BY updated_at ASC
		LIMIT $2
	`, models.JobStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query exhausted jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// RecentCancelled lists dead-lettered jobs for operator inspection.
func (s *Store) RecentCancelled(ctx context.Context, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, payload, status, attempts, max_attempts, run_at, last_error, created_at, updated_at
		FROM jobs
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, models.JobStatusCancelled, limit)
	if err != nil {
		return nil, fmt.Errorf("query cancelled jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DeleteJobsBefore removes rows in the given status updated before cutoff.
func (s *Store) DeleteJobsBefore(ctx context.Context, status string, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE status = $1 AND updated_at < $2
	`, status, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete %s jobs: %w", status, err)
	}
	return tag.RowsAffected(), nil
}

// PruneJobs keeps only the most recent keep rows in the given status.
func (s *Store) PruneJobs(ctx context.Context, status string, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status = $1 AND id NOT IN (
			SELECT id FROM jobs WHERE status = $1 ORDER BY updated_at DESC LIMIT $2
		)
	`, status, keep)
	if err != nil {
		return 0, fmt.Errorf("prune %s jobs: %w", status, err)
	}
	return tag.RowsAffected(), nil
}

// CountVisibleJobs returns how many pending jobs are due for dispatch.
func (s *Store) CountVisibleJobs(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND run_at <= NOW()
	`, models.JobStatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count visible jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.Type, &payloadJSON, &job.Status, &job.Attempts,
		&job.MaxAttempts, &job.RunAt, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
