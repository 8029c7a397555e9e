package runs_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/matchbench/internal/runs"
	"github.com/tjfontaine/matchbench/internal/workflow"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func waitFor(t *testing.T, m *runs.Manager, id string, want runs.Status) runs.Run {
	t.Helper()
	var run runs.Run
	require.Eventually(t, func() bool {
		got, err := m.Get(id)
		if err != nil {
			return false
		}
		run = got
		return got.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return run
}

func TestRunCompletes(t *testing.T) {
	m := runs.NewManager(func(ctx context.Context, runID string, req runs.Request) (*workflow.Summary, error) {
		return &workflow.Summary{RunID: runID, Constellation: req.Constellation}, nil
	}, runs.WithLogger(quiet))

	started, err := m.Start(context.Background(), runs.Request{Constellation: "p1m1_p2m2"})
	require.NoError(t, err)
	assert.Equal(t, runs.StatusRunning, started.Status)

	run := waitFor(t, m, started.ID, runs.StatusCompleted)
	require.NotNil(t, run.Summary)
	assert.Equal(t, started.ID, run.Summary.RunID)
	assert.Equal(t, "p1m1_p2m2", run.Summary.Constellation)
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, run.Error)
}

func TestRunFailure(t *testing.T) {
	m := runs.NewManager(func(context.Context, string, runs.Request) (*workflow.Summary, error) {
		return nil, errors.New("flush artifacts: disk full")
	}, runs.WithLogger(quiet))

	started, err := m.Start(context.Background(), runs.Request{})
	require.NoError(t, err)

	run := waitFor(t, m, started.ID, runs.StatusFailed)
	assert.Equal(t, "flush artifacts: disk full", run.Error)
}

func TestCancelStopsRun(t *testing.T) {
	m := runs.NewManager(func(ctx context.Context, runID string, _ runs.Request) (*workflow.Summary, error) {
		<-ctx.Done()
		return &workflow.Summary{RunID: runID, Cancelled: true}, ctx.Err()
	}, runs.WithLogger(quiet))

	started, err := m.Start(context.Background(), runs.Request{})
	require.NoError(t, err)
	require.NoError(t, m.Cancel(started.ID))

	run := waitFor(t, m, started.ID, runs.StatusCancelled)
	assert.True(t, run.Summary.Cancelled)
	assert.ErrorIs(t, m.Cancel(started.ID), runs.ErrNotRunning)
	assert.Equal(t, 0, m.Active())
}

func TestRunOutlivesRequestContext(t *testing.T) {
	release := make(chan struct{})
	m := runs.NewManager(func(ctx context.Context, runID string, _ runs.Request) (*workflow.Summary, error) {
		<-release
		return &workflow.Summary{RunID: runID}, ctx.Err()
	}, runs.WithLogger(quiet))

	reqCtx, cancel := context.WithCancel(context.Background())
	started, err := m.Start(reqCtx, runs.Request{})
	require.NoError(t, err)
	cancel()
	close(release)

	waitFor(t, m, started.ID, runs.StatusCompleted)
}

func TestMaxActive(t *testing.T) {
	release := make(chan struct{})
	m := runs.NewManager(func(ctx context.Context, runID string, _ runs.Request) (*workflow.Summary, error) {
		<-release
		return &workflow.Summary{RunID: runID}, nil
	}, runs.WithLogger(quiet))

	first, err := m.Start(context.Background(), runs.Request{})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), runs.Request{})
	assert.ErrorIs(t, err, runs.ErrBusy)

	close(release)
	waitFor(t, m, first.ID, runs.StatusCompleted)

	_, err = m.Start(context.Background(), runs.Request{})
	assert.NoError(t, err)
}

func TestGetUnknown(t *testing.T) {
	m := runs.NewManager(nil, runs.WithLogger(quiet))

	_, err := m.Get("not-a-uuid")
	assert.ErrorIs(t, err, runs.ErrNotFound)
	_, err = m.Get("1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	assert.ErrorIs(t, err, runs.ErrNotFound)
	assert.ErrorIs(t, m.Cancel("1b4e28ba-2fa1-11d2-883f-0016d3cca427"), runs.ErrNotFound)
}

func TestListMostRecentFirst(t *testing.T) {
	m := runs.NewManager(func(_ context.Context, runID string, _ runs.Request) (*workflow.Summary, error) {
		return &workflow.Summary{RunID: runID}, nil
	}, runs.WithLogger(quiet), runs.WithMaxActive(4))

	first, err := m.Start(context.Background(), runs.Request{Constellation: "a"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Start(context.Background(), runs.Request{Constellation: "b"})
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestShutdownCancelsActiveRuns(t *testing.T) {
	m := runs.NewManager(func(ctx context.Context, runID string, _ runs.Request) (*workflow.Summary, error) {
		<-ctx.Done()
		return &workflow.Summary{RunID: runID, Cancelled: true}, ctx.Err()
	}, runs.WithLogger(quiet))

	started, err := m.Start(context.Background(), runs.Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	run, err := m.Get(started.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, run.Status)

	_, err = m.Start(context.Background(), runs.Request{})
	assert.ErrorIs(t, err, runs.ErrClosed)
}
