package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/models"
)

type fakeJobStore struct {
	jobs map[string]*models.Job

	completed   []string
	failed      []string
	closeBudget map[string]bool
	rescheduled []string
	audits      []string
	events      *[]string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:        make(map[string]*models.Job),
		closeBudget: make(map[string]bool),
	}
}

func (f *fakeJobStore) add(job models.Job) {
	j := job
	f.jobs[j.ID] = &j
}

func (f *fakeJobStore) GetJob(_ context.Context, id string) (models.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return models.Job{}, errors.New("not found")
	}
	return *j, nil
}

func (f *fakeJobStore) MarkJobActive(_ context.Context, id string) (bool, error) {
	j, ok := f.jobs[id]
	if !ok || j.Status != models.JobStatusPending {
		return false, nil
	}
	j.Status = models.JobStatusActive
	return true, nil
}

func (f *fakeJobStore) CompleteJob(_ context.Context, id string) error {
	f.jobs[id].Status = models.JobStatusCompleted
	f.completed = append(f.completed, id)
	return nil
}

func (f *fakeJobStore) FailJob(_ context.Context, id string, attempts int, lastErr string, closeBudget bool) error {
	j := f.jobs[id]
	j.Status = models.JobStatusFailed
	j.Attempts = attempts
	j.LastError = &lastErr
	if closeBudget {
		j.MaxAttempts = attempts
	}
	f.failed = append(f.failed, id)
	f.closeBudget[id] = closeBudget
	return nil
}

func (f *fakeJobStore) RescheduleJob(_ context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	j := f.jobs[id]
	j.Status = models.JobStatusPending
	j.Attempts = attempts
	j.RunAt = runAt
	j.LastError = &lastErr
	f.rescheduled = append(f.rescheduled, id)
	if f.events != nil {
		*f.events = append(*f.events, "reschedule:"+id)
	}
	return nil
}

func (f *fakeJobStore) AppendAudit(_ context.Context, entity, entityID, action, _ string) error {
	f.audits = append(f.audits, fmt.Sprintf("%s:%s:%s", entity, entityID, action))
	return nil
}

type fakeQueue struct {
	acked     []string
	scheduled []string
	expired   []string
	events    *[]string
}

func (f *fakeQueue) PromoteScheduled(context.Context, time.Time, int64) (int, error) { return 0, nil }
func (f *fakeQueue) ExpiredLeases(context.Context, time.Time, int64) ([]string, error) {
	return f.expired, nil
}
func (f *fakeQueue) ReleaseLeases(_ context.Context, ids []string) error {
	if f.events != nil {
		for _, id := range ids {
			*f.events = append(*f.events, "release:"+id)
		}
	}
	return nil
}
func (f *fakeQueue) DequeueWithLease(context.Context, string) (string, error) { return "", nil }
func (f *fakeQueue) Schedule(_ context.Context, jobID, _ string, _ time.Time) error {
	f.scheduled = append(f.scheduled, jobID)
	return nil
}
func (f *fakeQueue) Ack(_ context.Context, jobID string) error {
	f.acked = append(f.acked, jobID)
	return nil
}

func newTestProcessor(st *fakeJobStore, q *fakeQueue) *Processor {
	return New(Options{
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
	}, q, st, zap.NewNop())
}

func pendingJob(id string, attempts, maxAttempts int) models.Job {
	return models.Job{
		ID:          id,
		Type:        models.JobTypeSubmitInvoice,
		Status:      models.JobStatusPending,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
}

func TestDispatchSuccess(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	st.add(pendingJob("job-1", 0, 3))

	p := newTestProcessor(st, q)
	p.RegisterHandler(models.JobTypeSubmitInvoice, func(context.Context, models.Job) error {
		return nil
	})
	p.dispatch(context.Background(), models.JobTypeSubmitInvoice, "job-1", zap.NewNop())

	if st.jobs["job-1"].Status != models.JobStatusCompleted {
		t.Fatalf("status = %s, want completed", st.jobs["job-1"].Status)
	}
	if len(q.acked) != 1 {
		t.Fatalf("acked %d times, want 1", len(q.acked))
	}
}

func TestDispatchRetryableSchedulesBackoff(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	st.add(pendingJob("job-1", 0, 3))

	p := newTestProcessor(st, q)
	p.RegisterHandler(models.JobTypeSubmitInvoice, func(context.Context, models.Job) error {
		return Retryable(errors.New("connection refused"))
	})
	p.dispatch(context.Background(), models.JobTypeSubmitInvoice, "job-1", zap.NewNop())

	j := st.jobs["job-1"]
	if j.Status != models.JobStatusPending {
		t.Fatalf("status = %s, want pending", j.Status)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
	if len(q.scheduled) != 1 {
		t.Fatalf("scheduled %d jobs, want 1", len(q.scheduled))
	}
	if !j.RunAt.After(time.Now()) {
		t.Error("retry should be scheduled in the future")
	}
}

func TestDispatchFatalClosesRetryBudget(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	st.add(pendingJob("job-1", 0, 3))

	p := newTestProcessor(st, q)
	p.RegisterHandler(models.JobTypeSubmitInvoice, func(context.Context, models.Job) error {
		return Fatal(errors.New("validation rejected"))
	})
	p.dispatch(context.Background(), models.JobTypeSubmitInvoice, "job-1", zap.NewNop())

	j := st.jobs["job-1"]
	if j.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", j.Attempts)
	}
	if !st.closeBudget["job-1"] {
		t.Error("fatal failure should close the retry budget")
	}
	if len(q.scheduled) != 0 {
		t.Error("fatal failure must not schedule a retry")
	}
}

func TestDispatchExhaustedBudget(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	st.add(pendingJob("job-1", 2, 3))

	p := newTestProcessor(st, q)
	p.RegisterHandler(models.JobTypeSubmitInvoice, func(context.Context, models.Job) error {
		return Retryable(errors.New("still down"))
	})
	p.dispatch(context.Background(), models.JobTypeSubmitInvoice, "job-1", zap.NewNop())

	j := st.jobs["job-1"]
	if j.Status != models.JobStatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", j.Attempts)
	}
	if st.closeBudget["job-1"] {
		t.Error("exhaustion keeps the budget open for the retry sweep")
	}
	if len(q.scheduled) != 0 {
		t.Error("exhausted job must not be rescheduled")
	}
}

func TestDispatchUnclassifiedErrorRetries(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	st.add(pendingJob("job-1", 0, 5))

	p := newTestProcessor(st, q)
	p.RegisterHandler(models.JobTypeSubmitInvoice, func(context.Context, models.Job) error {
		return errors.New("plain error")
	})
	p.dispatch(context.Background(), models.JobTypeSubmitInvoice, "job-1", zap.NewNop())

	if st.jobs["job-1"].Status != models.JobStatusPending {
		t.Fatal("untagged errors default to the retry path")
	}
}

func TestDispatchSkipsCancelledJob(t *testing.T) {
	st := newFakeJobStore()
	q := &fakeQueue{}
	job := pendingJob("job-1", 0, 3)
	job.Status = models.JobStatusCancelled
	st.add(job)

	called := false
	p := newTestProcessor(st, q)
	p.RegisterHandler(models.JobTypeSubmitInvoice, func(context.Context, models.Job) error {
		called = true
		return nil
	})
	p.dispatch(context.Background(), models.JobTypeSubmitInvoice, "job-1", zap.NewNop())

	if called {
		t.Error("cancelled job must not run")
	}
	if len(q.acked) != 1 {
		t.Error("cancelled job should still be acked off the queue")
	}
}

func TestReclaimExpiredResetsRowBeforeRelease(t *testing.T) {
	var events []string
	st := newFakeJobStore()
	st.events = &events
	q := &fakeQueue{expired: []string{"job-1"}, events: &events}
	job := pendingJob("job-1", 1, 3)
	job.Status = models.JobStatusActive
	st.add(job)

	p := newTestProcessor(st, q)
	p.reclaimExpired(context.Background(), time.Now())

	// The row must flip back to pending before the id returns to the ready
	// list; the reverse order lets another worker dequeue the id, lose the
	// claim against the still-active row, and ack the job into limbo.
	want := []string{"reschedule:job-1", "release:job-1"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
	if st.jobs["job-1"].Status != models.JobStatusPending {
		t.Fatalf("status = %s, want pending", st.jobs["job-1"].Status)
	}
}

func TestReclaimExpiredReleasesNonActiveLeases(t *testing.T) {
	var events []string
	st := newFakeJobStore()
	st.events = &events
	q := &fakeQueue{expired: []string{"job-1"}, events: &events}
	job := pendingJob("job-1", 1, 3)
	job.Status = models.JobStatusCompleted
	st.add(job)

	p := newTestProcessor(st, q)
	p.reclaimExpired(context.Background(), time.Now())

	if len(st.rescheduled) != 0 {
		t.Error("completed job must not be rescheduled")
	}
	if len(events) != 1 || events[0] != "release:job-1" {
		t.Fatalf("events = %v, want lease released", events)
	}
}

func TestClassify(t *testing.T) {
	if Classify(Fatal(errors.New("x"))) != KindFatal {
		t.Error("Fatal should classify fatal")
	}
	if Classify(Retryable(errors.New("x"))) != KindRetryable {
		t.Error("Retryable should classify retryable")
	}
	if Classify(fmt.Errorf("wrap: %w", Fatal(errors.New("x")))) != KindFatal {
		t.Error("classification should survive wrapping")
	}
	if Classify(errors.New("plain")) != KindRetryable {
		t.Error("plain errors default retryable")
	}
}

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	max := 15 * time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, max},  // 16m capped
		{20, max}, // shift clamp
	}
	for _, tc := range cases {
		if got := Backoff(base, max, tc.attempt); got != tc.want {
			t.Errorf("Backoff(attempt=%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}
