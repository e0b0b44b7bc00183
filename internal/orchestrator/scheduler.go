package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Task is a recurring job run by the Scheduler.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// TaskStatus is the last known state of a task
type TaskStatus struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastRun     time.Time `json:"lastRun"`
	LastSuccess time.Time `json:"lastSuccess"`
	LastError   string    `json:"lastError,omitempty"`
}

// Scheduler runs each task immediately and then every Interval until stopped
type Scheduler struct {
	tasks []Task

	statusMu sync.RWMutex
	status   map[string]*TaskStatus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler for tasks
func NewScheduler(tasks ...Task) *Scheduler {
	s := &Scheduler{
		tasks:  tasks,
		status: make(map[string]*TaskStatus),
		stopCh: make(chan struct{}),
	}
	for _, t := range tasks {
		s.status[t.Name] = &TaskStatus{Name: t.Name, Status: "pending"}
	}
	return s
}

// Run starts one loop per task
func (s *Scheduler) Run(ctx context.Context) {
	for _, t := range s.tasks {
		slog.Info("Scheduler starting task", "task", t.Name, "interval", t.Interval)
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Stop waits for running tasks to return. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		slog.Info("Scheduler stopping...")
		close(s.stopCh)
		s.wg.Wait()
		slog.Info("Scheduler stopped")
	})
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	// Cancel in-flight work on Stop so a job never outlives the scheduler
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, t)

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, t)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t Task) {
	s.setStatus(t.Name, func(st *TaskStatus) {
		st.Status = "running"
		st.LastRun = time.Now()
	})

	err := t.Run(ctx)

	s.setStatus(t.Name, func(st *TaskStatus) {
		if err != nil {
			st.Status = "error"
			st.LastError = err.Error()
			return
		}
		st.Status = "ok"
		st.LastError = ""
		st.LastSuccess = time.Now()
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("Scheduled task failed", "task", t.Name, "error", err)
	}
}

func (s *Scheduler) setStatus(name string, fn func(*TaskStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	fn(s.status[name])
}

// Status returns a snapshot of every task, sorted by name
func (s *Scheduler) Status() []TaskStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	out := make([]TaskStatus, 0, len(s.status))
	for _, st := range s.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SyncTask wraps SyncScope for every scope of a connector into one Task.
// Scopes run one after another; an aborted scope does not stop the others.
func (o *Orchestrator) SyncTask(conn Connector, scopes []string, interval time.Duration) Task {
	return Task{
		Name:     "sync:" + conn.Source(),
		Interval: interval,
		Run: func(ctx context.Context) error {
			var firstErr error
			for _, scope := range scopes {
				if _, err := o.SyncScope(ctx, conn, scope); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if firstErr == nil {
						firstErr = err
					}
				}
			}
			return firstErr
		},
	}
}

// Reset clears the checkpoint so the next run of scope is a full backfill.
func (o *Orchestrator) Reset(ctx context.Context, source, scope string) error {
	slog.Warn("Resetting sync checkpoint", "source", source, "scope", scope)
	return o.store.ResetCheckpoint(ctx, source, scope)
}
