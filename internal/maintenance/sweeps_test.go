package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/quiethours"
)

type fakeSweepStore struct {
	retryable []models.Job
	exhausted []models.Job

	cancelled      map[string]string
	deletedBefore  map[string]time.Time
	pruned         map[string]int
	webhookCutoff  time.Time
	webhookDeleted bool
	audits         int
}

func newFakeSweepStore() *fakeSweepStore {
	return &fakeSweepStore{
		cancelled:     make(map[string]string),
		deletedBefore: make(map[string]time.Time),
		pruned:        make(map[string]int),
	}
}

func (f *fakeSweepStore) FailedRetryable(context.Context, int) ([]models.Job, error) {
	return f.retryable, nil
}

func (f *fakeSweepStore) FailedExhausted(context.Context, int) ([]models.Job, error) {
	return f.exhausted, nil
}

func (f *fakeSweepStore) CancelJob(_ context.Context, id, annotation string) (bool, error) {
	f.cancelled[id] = annotation
	return true, nil
}

func (f *fakeSweepStore) DeleteJobsBefore(_ context.Context, status string, cutoff time.Time) (int64, error) {
	f.deletedBefore[status] = cutoff
	return 1, nil
}

func (f *fakeSweepStore) PruneJobs(_ context.Context, status string, keep int) (int64, error) {
	f.pruned[status] = keep
	return 0, nil
}

func (f *fakeSweepStore) DeleteProcessedWebhooksBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.webhookCutoff = cutoff
	f.webhookDeleted = true
	return 2, nil
}

func (f *fakeSweepStore) CountVisibleJobs(context.Context) (int64, error) { return 3, nil }

func (f *fakeSweepStore) AppendAudit(context.Context, string, string, string, string) error {
	f.audits++
	return nil
}

type fakeRequeuer struct {
	requeued []string
	err      error
}

func (f *fakeRequeuer) Requeue(_ context.Context, job models.Job, _ time.Time) (models.Job, error) {
	if f.err != nil {
		return models.Job{}, f.err
	}
	f.requeued = append(f.requeued, job.ID)
	return models.Job{ID: "new-" + job.ID}, nil
}

type fakeDepth struct{}

func (fakeDepth) ReadyDepth(context.Context, string) (int64, error) { return 0, nil }

func failedJob(id, jobType string, attempts, maxAttempts int) models.Job {
	return models.Job{
		ID:          id,
		Type:        jobType,
		Status:      models.JobStatusFailed,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func clock(hour int) func() time.Time {
	return func() time.Time { return time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC) }
}

func testSweeper(st *fakeSweepStore, rq *fakeRequeuer) *Sweeper {
	return NewSweeper(st, rq, fakeDepth{}, quiethours.MustParse("01:00", "06:00"), Options{
		JobRetention:     30 * 24 * time.Hour,
		WebhookRetention: 60 * 24 * time.Hour,
		KeepCompleted:    100,
		KeepFailed:       1000,
	}, zap.NewNop()).WithClock(clock(14))
}

func TestRetrySweepRequeuesAndSupersedes(t *testing.T) {
	st := newFakeSweepStore()
	st.retryable = []models.Job{failedJob("job-1", models.JobTypeSubmitInvoice, 1, 3)}
	rq := &fakeRequeuer{}

	if err := testSweeper(st, rq).RetrySweep(context.Background()); err != nil {
		t.Fatalf("RetrySweep: %v", err)
	}
	if len(rq.requeued) != 1 {
		t.Fatalf("requeued %d jobs, want 1", len(rq.requeued))
	}
	annotation, ok := st.cancelled["job-1"]
	if !ok {
		t.Fatal("the original row must be closed out")
	}
	if annotation != "superseded by retry job new-job-1" {
		t.Errorf("annotation = %q", annotation)
	}
}

func TestRetrySweepSkipsSubmissionsDuringQuietHours(t *testing.T) {
	st := newFakeSweepStore()
	st.retryable = []models.Job{
		failedJob("submit-1", models.JobTypeSubmitInvoice, 1, 3),
		failedJob("webhook-1", models.JobTypeProcessWebhook, 1, 5),
	}
	rq := &fakeRequeuer{}
	s := testSweeper(st, rq).WithClock(clock(3))

	if err := s.RetrySweep(context.Background()); err != nil {
		t.Fatalf("RetrySweep: %v", err)
	}
	if len(rq.requeued) != 1 || rq.requeued[0] != "webhook-1" {
		t.Fatalf("requeued = %v, want only webhook-1", rq.requeued)
	}
	if _, ok := st.cancelled["submit-1"]; ok {
		t.Error("a skipped job must stay failed for the next sweep")
	}
}

func TestRetrySweepIsolatesRequeueFailures(t *testing.T) {
	st := newFakeSweepStore()
	st.retryable = []models.Job{failedJob("job-1", models.JobTypeProcessWebhook, 1, 5)}
	rq := &fakeRequeuer{err: errors.New("redis down")}

	if err := testSweeper(st, rq).RetrySweep(context.Background()); err != nil {
		t.Fatalf("a per-job failure must not abort the sweep, got %v", err)
	}
	if len(st.cancelled) != 0 {
		t.Error("nothing may be closed out when requeue failed")
	}
}

func TestDeadLetterSweep(t *testing.T) {
	st := newFakeSweepStore()
	st.exhausted = []models.Job{failedJob("job-9", models.JobTypeSubmitInvoice, 3, 3)}

	if err := testSweeper(st, &fakeRequeuer{}).DeadLetterSweep(context.Background()); err != nil {
		t.Fatalf("DeadLetterSweep: %v", err)
	}
	annotation := st.cancelled["job-9"]
	if annotation != "dead-lettered after 3/3 attempts" {
		t.Errorf("annotation = %q", annotation)
	}
	if st.audits != 1 {
		t.Errorf("audits = %d, want 1", st.audits)
	}
}

func TestRetentionCleanupCutoffs(t *testing.T) {
	st := newFakeSweepStore()
	s := testSweeper(st, &fakeRequeuer{})

	if err := s.RetentionCleanup(context.Background()); err != nil {
		t.Fatalf("RetentionCleanup: %v", err)
	}

	now := clock(14)()
	wantJobs := now.Add(-30 * 24 * time.Hour)
	for _, status := range []string{models.JobStatusCompleted, models.JobStatusCancelled} {
		if got := st.deletedBefore[status]; !got.Equal(wantJobs) {
			t.Errorf("cutoff for %s = %s, want %s", status, got, wantJobs)
		}
	}
	if !st.webhookDeleted {
		t.Fatal("processed webhooks must be aged out")
	}
	if want := now.Add(-60 * 24 * time.Hour); !st.webhookCutoff.Equal(want) {
		t.Errorf("webhook cutoff = %s, want %s", st.webhookCutoff, want)
	}
	if st.pruned[models.JobStatusCompleted] != 100 || st.pruned[models.JobStatusFailed] != 1000 {
		t.Errorf("prune bounds = %v", st.pruned)
	}
}
