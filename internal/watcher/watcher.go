// Package watcher turns filesystem activity in project repos into sync
// events. Each registered repo has its .beads directory watched; writes to
// the JSONL export debounce into one event per quiet period. A burst of
// writes across a short window usually means a rebase or bulk import, so the
// watcher escalates to a full-sync event instead of flooding per-project
// syncs.
package watcher

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

const (
	defaultDebounce       = 500 * time.Millisecond
	defaultBurstThreshold = 10
	defaultBurstWindow    = 5 * time.Second
)

// Handler receives the debounced sync events. A full-sync escalation arrives
// with an empty ProjectID.
type Handler func(types.SyncEvent)

type repoState struct {
	projectID string
	debouncer *Debouncer

	mu      sync.Mutex
	touches []time.Time
}

// Options tunes a Watcher. Zero values fall back to the defaults.
type Options struct {
	Debounce       time.Duration // quiet period before an event fires
	BurstThreshold int           // touches within BurstWindow that escalate to full sync
	BurstWindow    time.Duration
	Logger         *zap.Logger
}

// Watcher watches registered repos and emits debounced sync events.
type Watcher struct {
	fs             *fsnotify.Watcher
	handler        Handler
	debounce       time.Duration
	burstThreshold int
	burstWindow    time.Duration
	log            *zap.Logger

	mu    sync.Mutex
	repos map[string]*repoState // .beads dir path → state
}

// New creates a watcher delivering events to handler.
func New(handler Handler, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.BurstThreshold <= 0 {
		opts.BurstThreshold = defaultBurstThreshold
	}
	if opts.BurstWindow <= 0 {
		opts.BurstWindow = defaultBurstWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fs:             fs,
		handler:        handler,
		debounce:       opts.Debounce,
		burstThreshold: opts.BurstThreshold,
		burstWindow:    opts.BurstWindow,
		log:            opts.Logger,
		repos:          map[string]*repoState{},
	}, nil
}

// Add registers a project repo. Idempotent; re-adding an already watched
// repo updates its project binding.
func (w *Watcher) Add(projectID, repoPath string) error {
	dir := filepath.Join(repoPath, ".beads")

	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.repos[dir]; ok {
		st.projectID = projectID
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}

	st := &repoState{projectID: projectID}
	st.debouncer = NewDebouncer(w.debounce, func() { w.fire(st) })
	w.repos[dir] = st
	w.log.Info("watching repo", zap.String("project", projectID), zap.String("dir", dir))
	return nil
}

// Remove unregisters a project repo.
func (w *Watcher) Remove(repoPath string) {
	dir := filepath.Join(repoPath, ".beads")

	w.mu.Lock()
	st, ok := w.repos[dir]
	if ok {
		delete(w.repos, dir)
	}
	w.mu.Unlock()

	if ok {
		st.debouncer.Cancel()
		_ = w.fs.Remove(dir)
	}
}

// Run pumps filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.observe(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) observe(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	// Only the JSONL export matters; the SQLite db churns constantly.
	if !strings.HasSuffix(ev.Name, "issues.jsonl") {
		return
	}

	w.mu.Lock()
	st := w.repos[filepath.Dir(ev.Name)]
	w.mu.Unlock()
	if st == nil {
		return
	}

	now := time.Now()
	st.mu.Lock()
	st.touches = append(st.touches, now)
	cutoff := now.Add(-w.burstWindow)
	for len(st.touches) > 0 && st.touches[0].Before(cutoff) {
		st.touches = st.touches[1:]
	}
	st.mu.Unlock()

	st.debouncer.Trigger()
}

func (w *Watcher) fire(st *repoState) {
	st.mu.Lock()
	cutoff := time.Now().Add(-w.burstWindow)
	n := 0
	for _, t := range st.touches {
		if !t.Before(cutoff) {
			n++
		}
	}
	st.touches = st.touches[:0]
	projectID := st.projectID
	st.mu.Unlock()

	ev := types.SyncEvent{
		Source:        types.EventSourceFile,
		Kind:          types.EventUpdate,
		ProjectID:     projectID,
		CorrelationID: uuid.NewString(),
		ReceivedAt:    time.Now(),
	}
	if n >= w.burstThreshold {
		// Bulk rewrite of the export; resync everything instead of chasing
		// individual rows.
		ev.ProjectID = ""
		w.log.Info("burst detected, escalating to full sync",
			zap.String("project", projectID), zap.Int("events", n))
	}
	w.handler(ev)
}

func (w *Watcher) close() {
	w.mu.Lock()
	repos := make([]*repoState, 0, len(w.repos))
	for _, st := range w.repos {
		repos = append(repos, st)
	}
	w.mu.Unlock()

	for _, st := range repos {
		st.debouncer.CancelAndWait()
	}
	_ = w.fs.Close()
}
