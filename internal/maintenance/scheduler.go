// Package maintenance runs the periodic sweeps over the job and invoice
// stores that live outside the queue's own retry mechanism.
package maintenance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one periodic sweep. Handlers know nothing about the timer
// mechanism, so the interval scheduler can be swapped for a distributed one
// without touching them.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler runs registered tasks on independent tickers. Explicit lifecycle:
// Start once, Stop blocks until all task goroutines exit.
type Scheduler struct {
	tasks  []Task
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(name string, every time.Duration, run func(ctx context.Context) error) {
	s.tasks = append(s.tasks, Task{Name: name, Every: every, Run: run})
}

// Start launches all tasks. Each runs once immediately, then on its interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(t Task) {
			defer s.wg.Done()
			s.runTask(ctx, t)
		}(t)
	}
	s.logger.Info("maintenance scheduler started", zap.Int("tasks", len(s.tasks)))
}

// Stop cancels all tasks and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	log := s.logger.With(zap.String("task", t.Name))
	if err := t.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("maintenance task failed", zap.Error(err))
	}

	ticker := time.NewTicker(t.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("maintenance task failed", zap.Error(err))
			}
		}
	}
}
