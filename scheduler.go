package engram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TaskFunc is one background task tick. Errors go to the task's sink; they
// never stop the schedule.
type TaskFunc func(ctx context.Context) error

// ErrorSink receives background task failures so they stay observable.
type ErrorSink func(task string, err error)

type scheduledTask struct {
	name     string
	interval time.Duration
	run      TaskFunc
	onError  ErrorSink
}

// Scheduler runs the registered background tasks (access-count flushes,
// session idle sweeps, offload TTL sweeps, curator promotion), each on its
// own ticker. Every task is registered by name with an error sink; nothing
// is spawned fire-and-forget.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []scheduledTask
	running bool
	wg      sync.WaitGroup
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = nopLogger
	}
	return &Scheduler{logger: logger}
}

// Register adds a named task ticking at interval. A nil sink logs failures
// through the scheduler's logger. Registration after Run starts is an
// error.
func (s *Scheduler) Register(name string, interval time.Duration, run TaskFunc, onError ErrorSink) error {
	if name == "" || run == nil || interval <= 0 {
		return &ErrConfig{Field: "scheduler", Message: "task needs a name, a positive interval, and a function"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return &ErrConfig{Field: "scheduler", Message: fmt.Sprintf("cannot register %q after start", name)}
	}
	if onError == nil {
		onError = func(task string, err error) {
			s.logger.Warn("background task failed", "task", task, "error", err)
		}
	}
	s.tasks = append(s.tasks, scheduledTask{name: name, interval: interval, run: run, onError: onError})
	return nil
}

// Tasks returns the registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.name
	}
	return names
}

// Run starts every registered task and blocks until ctx is cancelled, then
// waits for in-flight ticks to finish. Run may be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return &ErrConfig{Field: "scheduler", Message: "already running"}
	}
	s.running = true
	tasks := make([]scheduledTask, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "tasks", len(tasks))
	for _, t := range tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	<-ctx.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, t scheduledTask) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.run(ctx); err != nil && !IsCancelled(err) {
				t.onError(t.name, err)
			}
		}
	}
}
