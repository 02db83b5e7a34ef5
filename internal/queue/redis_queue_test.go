package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/zoxknez/efaktura-core/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, time.Minute), mr
}

func TestEnqueueImmediateIsReady(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.JobTypeSubmitInvoice, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	depth, err := q.ReadyDepth(ctx, models.JobTypeSubmitInvoice)
	if err != nil {
		t.Fatalf("ReadyDepth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}

	id, err := q.DequeueWithLease(ctx, models.JobTypeSubmitInvoice)
	if err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("dequeued %q, want job-1", id)
	}
}

func TestEnqueueFutureGoesScheduled(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "job-1", models.JobTypeSubmitInvoice, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id, err := q.DequeueWithLease(ctx, models.JobTypeSubmitInvoice)
	if err != nil {
		t.Fatalf("DequeueWithLease: %v", err)
	}
	if id != "" {
		t.Fatalf("a future job must not be dequeued, got %q", id)
	}
}

func TestPromoteScheduledRestoresJobType(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	runAt := time.Now().Add(time.Minute)
	if err := q.Schedule(ctx, "job-w", models.JobTypeProcessWebhook, runAt); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("PromoteScheduled: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d, want 1", n)
	}

	// Promotion must land in the webhook ready list, not the default one.
	id, err := q.DequeueWithLease(ctx, models.JobTypeProcessWebhook)
	if err != nil || id != "job-w" {
		t.Fatalf("dequeue from webhook queue = %q, %v", id, err)
	}
}

func TestPromoteScheduledLeavesFutureJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Schedule(ctx, "job-1", models.JobTypeSubmitInvoice, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("PromoteScheduled: %v", err)
	}
	if n != 0 {
		t.Fatalf("promoted %d, want 0", n)
	}
}

func TestDequeuePlacesJobInflightUntilAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", models.JobTypeSubmitInvoice, time.Now())
	id, _ := q.DequeueWithLease(ctx, models.JobTypeSubmitInvoice)
	if id != "job-1" {
		t.Fatalf("dequeued %q", id)
	}

	// Lease has not expired, so nothing to reclaim.
	ids, err := q.ExpiredLeases(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ExpiredLeases: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("reclaimed %v before lease expiry", ids)
	}

	// After the visibility timeout the lease shows up as expired, but the job
	// stays in-flight until the leases are explicitly released.
	ids, err = q.ExpiredLeases(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ExpiredLeases: %v", err)
	}
	if len(ids) != 1 || ids[0] != "job-1" {
		t.Fatalf("expired = %v, want [job-1]", ids)
	}
	depth, _ := q.ReadyDepth(ctx, models.JobTypeSubmitInvoice)
	if depth != 0 {
		t.Fatalf("depth before release = %d, want 0", depth)
	}

	if err := q.ReleaseLeases(ctx, ids); err != nil {
		t.Fatalf("ReleaseLeases: %v", err)
	}
	depth, _ = q.ReadyDepth(ctx, models.JobTypeSubmitInvoice)
	if depth != 1 {
		t.Fatalf("depth after release = %d, want 1", depth)
	}
}

func TestAckClearsLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", models.JobTypeSubmitInvoice, time.Now())
	_, _ = q.DequeueWithLease(ctx, models.JobTypeSubmitInvoice)
	if err := q.Ack(ctx, "job-1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	ids, err := q.ExpiredLeases(ctx, time.Now().Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("ExpiredLeases: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("acked job was reclaimed: %v", ids)
	}
}

func TestRemoveDropsJobEverywhere(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_ = q.Enqueue(ctx, "job-1", models.JobTypeSubmitInvoice, time.Now())
	_ = q.Schedule(ctx, "job-2", models.JobTypeSubmitInvoice, time.Now().Add(time.Hour))

	if err := q.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := q.Remove(ctx, "job-2"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	depth, _ := q.ReadyDepth(ctx, models.JobTypeSubmitInvoice)
	if depth != 0 {
		t.Fatalf("depth = %d after remove", depth)
	}
	if n, _ := q.PromoteScheduled(ctx, time.Now().Add(2*time.Hour), 10); n != 0 {
		t.Fatalf("removed scheduled job was promoted")
	}
}
