package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSchedulerRunsImmediatelyAndOnInterval(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop())
	s.Register("counter", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := runs.Load(); got < 3 {
		t.Fatalf("task ran %d times, want at least 3", got)
	}
}

func TestSchedulerStopWaitsForTasks(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	s.Register("slow", time.Hour, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after cancelling tasks")
	}
}

func TestSchedulerFailingTaskKeepsRunning(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(zap.NewNop())
	s.Register("flaky", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatal("a failing task must stay on its schedule")
	}
}
