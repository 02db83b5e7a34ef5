package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/models"
	"github.com/zoxknez/efaktura-core/internal/quiethours"
	"github.com/zoxknez/efaktura-core/internal/store"
)

type fakeJobCreator struct {
	created []store.CreateJobParams
}

func (f *fakeJobCreator) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	f.created = append(f.created, p)
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = models.DefaultMaxAttempts(p.Type)
	}
	return models.Job{
		ID:          uuid.NewString(),
		Type:        p.Type,
		Payload:     p.Payload,
		Status:      models.JobStatusPending,
		Attempts:    p.Attempts,
		MaxAttempts: maxAttempts,
		RunAt:       p.RunAt,
	}, nil
}

func (f *fakeJobCreator) AppendAudit(context.Context, string, string, string, string) error {
	return nil
}

type fakeEnqueuer struct {
	enqueued []time.Time
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _, _ string, runAt time.Time) error {
	f.enqueued = append(f.enqueued, runAt)
	return nil
}

func serviceAt(st *fakeJobCreator, q *fakeEnqueuer, hour int) *Service {
	return New(st, q, quiethours.MustParse("01:00", "06:00"), zap.NewNop()).
		WithClock(func() time.Time { return time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC) })
}

func TestEnqueueInvoiceSubmissionImmediate(t *testing.T) {
	st := &fakeJobCreator{}
	q := &fakeEnqueuer{}
	s := serviceAt(st, q, 14)

	job, err := s.EnqueueInvoiceSubmission(context.Background(), 7, 3, 42)
	if err != nil {
		t.Fatalf("EnqueueInvoiceSubmission: %v", err)
	}
	if job.Type != models.JobTypeSubmitInvoice {
		t.Errorf("type = %s", job.Type)
	}
	want := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	if !q.enqueued[0].Equal(want) {
		t.Errorf("runAt = %s, want now", q.enqueued[0])
	}

	var p models.SubmitInvoicePayload
	if err := models.DecodePayload(job.Payload, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.InvoiceID != 7 || p.CompanyID != 3 || p.UserID != 42 {
		t.Errorf("payload = %+v", p)
	}
}

func TestEnqueueInvoiceSubmissionDefersDuringQuietHours(t *testing.T) {
	st := &fakeJobCreator{}
	q := &fakeEnqueuer{}
	s := serviceAt(st, q, 3)

	if _, err := s.EnqueueInvoiceSubmission(context.Background(), 7, 3, 42); err != nil {
		t.Fatalf("EnqueueInvoiceSubmission: %v", err)
	}
	want := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	if !q.enqueued[0].Equal(want) {
		t.Errorf("runAt = %s, want window end %s", q.enqueued[0], want)
	}
}

func TestEnqueueWebhookProcessingIgnoresQuietHours(t *testing.T) {
	st := &fakeJobCreator{}
	q := &fakeEnqueuer{}
	s := serviceAt(st, q, 3)

	if _, err := s.EnqueueWebhookProcessing(context.Background(), 5, "accepted", "AUTH-1"); err != nil {
		t.Fatalf("EnqueueWebhookProcessing: %v", err)
	}
	want := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	if !q.enqueued[0].Equal(want) {
		t.Errorf("webhook processing must not be deferred, runAt = %s", q.enqueued[0])
	}
}

func TestRequeueCarriesBudgetForward(t *testing.T) {
	st := &fakeJobCreator{}
	q := &fakeEnqueuer{}
	s := serviceAt(st, q, 14)

	failed := models.Job{
		ID:          "old-job",
		Type:        models.JobTypeSubmitInvoice,
		Status:      models.JobStatusFailed,
		Attempts:    2,
		MaxAttempts: 3,
		Payload:     map[string]any{"invoice_id": float64(7)},
	}
	created, err := s.Requeue(context.Background(), failed, time.Now())
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if created.Attempts != 2 || created.MaxAttempts != 3 {
		t.Errorf("budget = %d/%d, want 2/3 carried forward", created.Attempts, created.MaxAttempts)
	}
	if created.ID == failed.ID {
		t.Error("requeue must mint a new job id")
	}
}
