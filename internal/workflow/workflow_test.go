package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/store"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
)

func newEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := NewEngine(st, Options{
		TaskQueue:  "test-queue",
		MaxWorkers: 4,
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(e.Drain)
	return e, st
}

func waitRuns(t *testing.T, st *store.Store, n int, pred func([]*store.WorkflowRun) bool) []*store.WorkflowRun {
	t.Helper()
	var runs []*store.WorkflowRun
	require.Eventually(t, func() bool {
		var err error
		runs, err = st.RecentRuns(context.Background(), 20)
		require.NoError(t, err)
		return len(runs) >= n && pred(runs)
	}, 5*time.Second, 20*time.Millisecond)
	return runs
}

func terminal(runs []*store.WorkflowRun) bool {
	for _, r := range runs {
		if r.State == store.RunRunning {
			return false
		}
	}
	return true
}

func TestStartPersistsCompletedRun(t *testing.T) {
	e, st := newEngine(t)

	var ran atomic.Bool
	runID, err := e.Start(context.Background(), "wf-1", "test", `{"n":1}`, func(wctx *Context) error {
		return wctx.Execute("step", func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	runs := waitRuns(t, st, 1, terminal)
	assert.True(t, ran.Load())
	assert.Equal(t, store.RunCompleted, runs[0].State)
	assert.Equal(t, "test-queue", runs[0].TaskQueue)
	assert.Equal(t, 1, runs[0].Steps)
}

func TestActivityRetriesTransient(t *testing.T) {
	e, st := newEngine(t)

	var calls atomic.Int32
	_, err := e.Start(context.Background(), "wf-retry", "test", "", func(wctx *Context) error {
		return wctx.Execute("flaky", func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return syncerr.Newf(syncerr.KindTransient, "flaky", "try again")
			}
			return nil
		})
	})
	require.NoError(t, err)

	runs := waitRuns(t, st, 1, terminal)
	assert.Equal(t, store.RunCompleted, runs[0].State)
	assert.Equal(t, int32(3), calls.Load())
}

func TestActivityDoesNotRetryValidation(t *testing.T) {
	e, st := newEngine(t)

	var calls atomic.Int32
	_, err := e.Start(context.Background(), "wf-val", "test", "", func(wctx *Context) error {
		return wctx.Execute("bad", func(ctx context.Context) error {
			calls.Add(1)
			return syncerr.Newf(syncerr.KindValidation, "bad", "malformed")
		})
	})
	require.NoError(t, err)

	runs := waitRuns(t, st, 1, terminal)
	assert.Equal(t, store.RunFailed, runs[0].State)
	assert.Equal(t, int32(1), calls.Load())
}

func TestContinueAsNewChainsRuns(t *testing.T) {
	e, st := newEngine(t)

	var generation atomic.Int32
	_, err := e.Start(context.Background(), "wf-can", "test", "", func(wctx *Context) error {
		if generation.Add(1) == 1 {
			return ErrContinueAsNew
		}
		return nil
	})
	require.NoError(t, err)

	runs := waitRuns(t, st, 2, terminal)
	require.Len(t, runs, 2)
	// Newest first.
	assert.Equal(t, store.RunCompleted, runs[0].State)
	assert.Equal(t, store.RunContinuedAsNew, runs[1].State)
	assert.Equal(t, runs[1].RunID, runs[0].ContinuedFrom)
}

func TestStartScheduledSkipsOverlap(t *testing.T) {
	e, _ := newEngine(t)

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := e.Start(context.Background(), "wf-sched", "test", "", func(wctx *Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	_, err = e.StartScheduled(context.Background(), "wf-sched", "test", "", func(wctx *Context) error {
		return nil
	})
	assert.ErrorIs(t, err, ErrSkipped)
	close(release)
}

func TestCancelSignal(t *testing.T) {
	e, st := newEngine(t)

	started := make(chan struct{})
	_, err := e.Start(context.Background(), "wf-cancel", "test", "", func(wctx *Context) error {
		close(started)
		<-wctx.Done()
		return wctx.Err()
	})
	require.NoError(t, err)
	<-started

	e.Deliver(SignalCancel, "wf-cancel")
	runs := waitRuns(t, st, 1, terminal)
	assert.Equal(t, store.RunCancelled, runs[0].State)
}

func TestCancelRunIgnoresStaleRunID(t *testing.T) {
	e, st := newEngine(t)

	started := make(chan struct{})
	release := make(chan struct{})
	firstRun, err := e.Start(context.Background(), "wf-pin", "test", "", func(wctx *Context) error {
		started <- struct{}{}
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started
	close(release)
	waitRuns(t, st, 1, terminal)

	secondRun, err := e.Start(context.Background(), "wf-pin", "test", "", func(wctx *Context) error {
		started <- struct{}{}
		<-wctx.Done()
		return wctx.Err()
	})
	require.NoError(t, err)
	<-started

	// The first run's watchdog firing late must not touch the successor.
	e.CancelRun("wf-pin", firstRun)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, e.Active("wf-pin"), "successor run must survive a stale cancel")

	e.CancelRun("wf-pin", secondRun)
	runs := waitRuns(t, st, 2, terminal)
	assert.Equal(t, store.RunCancelled, runs[0].State)
	assert.False(t, e.Active("wf-pin"))
}

func TestPauseBlocksActivitiesUntilResume(t *testing.T) {
	e, st := newEngine(t)

	e.Deliver(SignalPause, "")
	require.True(t, e.Paused())

	var ran atomic.Bool
	_, err := e.Start(context.Background(), "wf-pause", "test", "", func(wctx *Context) error {
		return wctx.Execute("gated", func(ctx context.Context) error {
			ran.Store(true)
			return nil
		})
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, ran.Load(), "activity must not run while paused")

	e.Deliver(SignalResume, "")
	runs := waitRuns(t, st, 1, terminal)
	assert.True(t, ran.Load())
	assert.Equal(t, store.RunCompleted, runs[0].State)
}

func TestConsecutiveFailuresPauseEngine(t *testing.T) {
	e, st := newEngine(t)

	fail := func(wctx *Context) error {
		return wctx.Execute("doomed", func(ctx context.Context) error {
			return syncerr.Newf(syncerr.KindValidation, "doomed", "broken")
		})
	}
	for i := 0; i < pauseAfterConsecutiveFailures; i++ {
		_, err := e.Start(context.Background(), "wf-streak", "test", "", fail)
		require.NoError(t, err)
		waitRuns(t, st, i+1, terminal)
	}

	assert.True(t, e.Paused(), "engine must pause after the failure streak")

	// Resume clears the streak.
	e.Deliver(SignalResume, "")
	assert.False(t, e.Paused())
	_, err := e.Start(context.Background(), "wf-streak", "test", "", fail)
	require.NoError(t, err)
	waitRuns(t, st, pauseAfterConsecutiveFailures+1, terminal)
	assert.False(t, e.Paused(), "one failure after resume must not re-pause")
}

func TestReloadSignalInvokesHook(t *testing.T) {
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer st.Close()

	var reloaded atomic.Bool
	e := NewEngine(st, Options{
		Logger:   zaptest.NewLogger(t),
		OnReload: func() { reloaded.Store(true) },
	})
	e.Deliver(SignalReloadConfig, "")
	assert.True(t, reloaded.Load())
}
