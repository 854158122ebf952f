package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

func TestDebouncerCoalescesTriggers(t *testing.T) {
	var fires atomic.Int32
	d := NewDebouncer(50*time.Millisecond, func() { fires.Add(1) })

	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestDebouncerCancel(t *testing.T) {
	var fires atomic.Int32
	d := NewDebouncer(50*time.Millisecond, func() { fires.Add(1) })
	d.Trigger()
	d.Cancel()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fires.Load())
}

func TestDebouncerCancelAndWaitDrains(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var done atomic.Bool

	d := NewDebouncer(10*time.Millisecond, func() {
		close(started)
		<-release
		done.Store(true)
	})
	d.Trigger()
	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	d.CancelAndWait()
	assert.True(t, done.Load())
}

func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".beads"), 0o755))
	return dir
}

func collectEvents(t *testing.T) (Handler, func() []types.SyncEvent) {
	t.Helper()
	var mu sync.Mutex
	var events []types.SyncEvent
	h := func(ev types.SyncEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	return h, func() []types.SyncEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]types.SyncEvent(nil), events...)
	}
}

func TestWatcherEmitsDebouncedEvent(t *testing.T) {
	repo := newRepo(t)
	handler, events := collectEvents(t)

	w, err := New(handler, Options{Debounce: 50 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, w.Add("PROJ", repo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	jsonl := filepath.Join(repo, ".beads", "issues.jsonl")
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(jsonl, []byte("{}\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(events()) >= 1 }, 3*time.Second, 20*time.Millisecond)
	got := events()
	require.Len(t, got, 1, "writes inside the quiet period coalesce")
	assert.Equal(t, types.EventSourceFile, got[0].Source)
	assert.Equal(t, "PROJ", got[0].ProjectID)
	assert.NotEmpty(t, got[0].CorrelationID)
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	repo := newRepo(t)
	handler, events := collectEvents(t)

	w, err := New(handler, Options{Debounce: 30 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, w.Add("PROJ", repo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	db := filepath.Join(repo, ".beads", "beads.db")
	require.NoError(t, os.WriteFile(db, []byte("x"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, events())
}

func TestWatcherBurstEscalatesToFullSync(t *testing.T) {
	repo := newRepo(t)
	handler, events := collectEvents(t)

	w, err := New(handler, Options{Debounce: 100 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, w.Add("PROJ", repo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	jsonl := filepath.Join(repo, ".beads", "issues.jsonl")
	for i := 0; i < defaultBurstThreshold+2; i++ {
		require.NoError(t, os.WriteFile(jsonl, []byte("{}\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(events()) >= 1 }, 3*time.Second, 20*time.Millisecond)
	got := events()
	assert.Empty(t, got[0].ProjectID, "burst event must request a full sync")
}

func TestWatcherBurstThresholdConfigurable(t *testing.T) {
	repo := newRepo(t)
	handler, events := collectEvents(t)

	w, err := New(handler, Options{
		Debounce:       100 * time.Millisecond,
		BurstThreshold: 3,
		BurstWindow:    time.Second,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, w.Add("PROJ", repo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	jsonl := filepath.Join(repo, ".beads", "issues.jsonl")
	for i := 0; i < 4; i++ {
		require.NoError(t, os.WriteFile(jsonl, []byte("{}\n"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(events()) >= 1 }, 3*time.Second, 20*time.Millisecond)
	got := events()
	assert.Empty(t, got[0].ProjectID, "a lowered threshold must escalate smaller bursts")
}

func TestWatcherRemoveStopsEvents(t *testing.T) {
	repo := newRepo(t)
	handler, events := collectEvents(t)

	w, err := New(handler, Options{Debounce: 30 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	require.NoError(t, w.Add("PROJ", repo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Remove(repo)
	jsonl := filepath.Join(repo, ".beads", "issues.jsonl")
	require.NoError(t, os.WriteFile(jsonl, []byte("{}\n"), 0o644))
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, events())
}
