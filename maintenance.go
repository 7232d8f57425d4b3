package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PeriodicTask is a named maintenance job run on a fixed interval.
type PeriodicTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Scheduler runs PeriodicTasks in background goroutines until stopped.
type Scheduler struct {
	tasks   map[string]PeriodicTask
	order   []string
	logger  Logger
	metrics *Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler returns a scheduler for tasks. Tasks without a name, a
// positive interval or a Run func are rejected.
func NewScheduler(logger Logger, tasks ...PeriodicTask) (*Scheduler, error) {
	s := &Scheduler{
		tasks:  make(map[string]PeriodicTask, len(tasks)),
		logger: normalizeLogger(logger),
	}
	for _, t := range tasks {
		if t.Name == "" || t.Interval <= 0 || t.Run == nil {
			return nil, fmt.Errorf("scheduler: invalid task %q", t.Name)
		}
		if _, dup := s.tasks[t.Name]; dup {
			return nil, fmt.Errorf("scheduler: duplicate task %q", t.Name)
		}
		s.tasks[t.Name] = t
		s.order = append(s.order, t.Name)
	}
	return s, nil
}

// WithMetrics records per-task item counts.
func (s *Scheduler) WithMetrics(m *Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Tasks returns the task names in registration order.
func (s *Scheduler) Tasks() []string {
	return append([]string(nil), s.order...)
}

// Start launches one ticker goroutine per task. It is a no-op when already
// running. Cancelling ctx or calling Stop ends every task.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, name := range s.order {
		task := s.tasks[name]
		s.wg.Add(1)
		go s.loop(runCtx, task)
	}
	s.logger.Info("maintenance scheduler started", "tasks", len(s.order))
}

// Stop cancels all tasks and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

// RunNow executes the named task once on the calling goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	task, ok := s.tasks[name]
	if !ok {
		return 0, fmt.Errorf("scheduler: unknown task %q", name)
	}
	return s.execute(ctx, task)
}

func (s *Scheduler) loop(ctx context.Context, task PeriodicTask) {
	defer s.wg.Done()

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.execute(ctx, task)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, task PeriodicTask) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
			s.logger.Error("maintenance task panic", "task", task.Name, "panic", r)
		}
	}()

	n, err = task.Run(ctx)
	if err != nil {
		s.logger.Error("maintenance task failed", "task", task.Name, "error", err)
		return n, err
	}
	if n > 0 {
		s.logger.Info("maintenance task done", "task", task.Name, "items", n)
	}
	s.metrics.maintenance(task.Name, n)
	return n, nil
}

// Built-in task names.
const (
	TaskRevocationPurge = "revocation_purge"
	TaskLockRelease     = "lock_release"
	TaskSessionPurge    = "session_purge"
)

// NewRevocationPurgeTask drops expired revocation entries.
func NewRevocationPurgeTask(tokens *TokenService, interval time.Duration) PeriodicTask {
	return PeriodicTask{
		Name:     TaskRevocationPurge,
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return tokens.revocations.PurgeExpired(ctx, tokens.codec.Now())
		},
	}
}

// NewSessionPurgeTask drops sessions past their expiry, revoked or not.
func NewSessionPurgeTask(tokens *TokenService, interval time.Duration) PeriodicTask {
	return PeriodicTask{
		Name:     TaskSessionPurge,
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return tokens.sessions.PurgeSessions(ctx, tokens.codec.Now())
		},
	}
}

// NewLockReleaseTask moves LOCKED accounts whose lock expired back to ACTIVE.
func NewLockReleaseTask(machine *AccountStateMachine, interval time.Duration, batchSize int) PeriodicTask {
	return PeriodicTask{
		Name:     TaskLockRelease,
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return machine.ReleaseExpiredLocks(ctx, batchSize)
		},
	}
}
