package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the polling cadence for an active poll instance.
const DefaultInterval = 3 * time.Second

// TickFunc runs one iteration of a task.
type TickFunc func(ctx context.Context, id string)

// Scheduler owns one recurring task per id. The first tick fires
// immediately; later ticks fire every interval. Ticks of one task never
// overlap; tasks for different ids run independently.
type Scheduler struct {
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

type task struct {
	id   string
	stop chan struct{}
	once sync.Once
}

func (t *task) halt() {
	t.once.Do(func() { close(t.stop) })
}

// NewScheduler creates a scheduler. Ticks receive a context that is
// cancelled only by Shutdown, so Stop never interrupts a tick in flight.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*task),
	}
}

// Start launches the task for id. It returns false if one is already running.
func (s *Scheduler) Start(id string, tick TickFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	if _, ok := s.tasks[id]; ok {
		return false
	}

	t := &task{id: id, stop: make(chan struct{})}
	s.tasks[id] = t
	s.wg.Add(1)
	go s.run(t, tick)

	s.logger.Info("scheduled task started", "task_id", id, "interval", s.interval.String())
	return true
}

// Stop prevents further ticks for id. It returns whether a task was running;
// stopping an unknown or already stopped task is a no-op.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	t.halt()
	s.logger.Info("scheduled task stopped", "task_id", id)
	return true
}

// Running reports whether a task is registered for id.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown stops every task, cancels in-flight ticks and waits for them.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.halt()
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped", "tasks", len(tasks))
}

func (s *Scheduler) run(t *task, tick TickFunc) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-s.ctx.Done():
			return
		default:
		}

		tick(s.ctx, t.id)

		select {
		case <-t.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
