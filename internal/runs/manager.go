// Package runs tracks benchmark runs started in the background, typically
// from the HTTP control surface, and lets callers inspect or cancel them.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/matchbench/internal/workflow"
)

var (
	ErrNotFound   = errors.New("run not found")
	ErrNotRunning = errors.New("run is not running")
	ErrBusy       = errors.New("too many active runs")
	ErrClosed     = errors.New("run manager is shut down")
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request selects what a run processes. Empty fields fall back to the
// configured defaults.
type Request struct {
	Constellation string `json:"constellation,omitempty"`
	Scenario      string `json:"scenario,omitempty"`
	Registrations string `json:"registrations,omitempty"`
	Offers        string `json:"offers,omitempty"`
	Incentives    string `json:"incentives,omitempty"`
	MaxItems      int    `json:"max_items,omitempty"`
}

// Run is a snapshot of one run.
type Run struct {
	ID         string            `json:"id"`
	Request    Request           `json:"request"`
	Status     Status            `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Summary    *workflow.Summary `json:"summary,omitempty"`
}

// Executor performs one run to completion.
type Executor func(ctx context.Context, runID string, req Request) (*workflow.Summary, error)

// Option configures a Manager.
type Option func(*Manager)

// WithMaxActive bounds the number of runs executing at once. Benchmark runs
// default to one so timings are not skewed by each other.
func WithMaxActive(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxActive = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager starts runs in the background and keeps their state.
type Manager struct {
	exec      Executor
	logger    *slog.Logger
	maxActive int

	mu     sync.RWMutex
	runs   map[uuid.UUID]*Run
	active map[uuid.UUID]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewManager returns a manager running exec.
func NewManager(exec Executor, opts ...Option) *Manager {
	m := &Manager{
		exec:      exec,
		logger:    slog.Default(),
		maxActive: 1,
		runs:      make(map[uuid.UUID]*Run),
		active:    make(map[uuid.UUID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("system", "runs"))
	return m
}

// Start launches a run. The run outlives ctx; only Cancel or Shutdown stop
// it.
func (m *Manager) Start(ctx context.Context, req Request) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Run{}, ErrClosed
	}
	if len(m.active) >= m.maxActive {
		return Run{}, fmt.Errorf("%w: %d running", ErrBusy, len(m.active))
	}

	id := uuid.New()
	run := &Run{
		ID:        id.String(),
		Request:   req,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.runs[id] = run
	m.active[id] = cancel

	m.wg.Add(1)
	go m.execute(execCtx, id, req)

	m.logger.Info("run started", slog.String("run_id", run.ID))
	return *run, nil
}

func (m *Manager) execute(ctx context.Context, id uuid.UUID, req Request) {
	defer m.wg.Done()

	summary, err := m.exec(ctx, id.String(), req)
	cancelled := ctx.Err() != nil || errors.Is(err, context.Canceled) || (summary != nil && summary.Cancelled)

	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.active[id]; ok {
		cancel()
		delete(m.active, id)
	}

	run := m.runs[id]
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Summary = summary

	switch {
	case cancelled:
		run.Status = StatusCancelled
		if err != nil {
			run.Error = err.Error()
		}
	case err != nil:
		run.Status = StatusFailed
		run.Error = err.Error()
	default:
		run.Status = StatusCompleted
	}

	attrs := []any{
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
		slog.Duration("elapsed", now.Sub(run.StartedAt)),
	}
	if err != nil && run.Status == StatusFailed {
		m.logger.Error("run finished", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	m.logger.Info("run finished", attrs...)
}

// Get returns a snapshot of the run.
func (m *Manager) Get(id string) (Run, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[uid]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *run, nil
}

// List returns every run, most recent first.
func (m *Manager) List() []Run {
	m.mu.RLock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel stops a running run. Records in flight finish; no new record starts.
func (m *Manager) Cancel(id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.mu.RLock()
	cancel, active := m.active[uid]
	_, known := m.runs[uid]
	m.mu.RUnlock()

	if !active {
		if !known {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return ErrNotRunning
	}
	cancel()
	m.logger.Info("run cancellation requested", slog.String("run_id", id))
	return nil
}

// Active reports how many runs are executing.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Shutdown cancels every active run and waits for them to stop or for ctx
// to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.active {
		cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
