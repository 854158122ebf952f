package controller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/config"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/dedupe"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/huly"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/orchestrator"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/store"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/workflow"
)

// stubHuly serves an empty project list and counts calls.
type stubHuly struct {
	listCalls atomic.Int32
	bulkCalls atomic.Int32
}

func (s *stubHuly) ListProjects(ctx context.Context) ([]huly.Project, error) {
	s.listCalls.Add(1)
	return []huly.Project{{ID: "hp1", Identifier: "PROJ", Name: "Project"}}, nil
}

func (s *stubHuly) BulkListIssues(ctx context.Context, req huly.BulkRequest) (map[string][]huly.Issue, error) {
	s.bulkCalls.Add(1)
	return map[string][]huly.Issue{}, nil
}

func (s *stubHuly) GetIssue(ctx context.Context, identifier string) (*huly.Issue, error) {
	return nil, nil
}

func (s *stubHuly) CreateIssue(ctx context.Context, project string, payload huly.CreatePayload) (*huly.Issue, error) {
	return &huly.Issue{Identifier: project + "-1", Title: payload.Title}, nil
}

func (s *stubHuly) PatchIssue(ctx context.Context, identifier string, fields map[string]interface{}) (*huly.Issue, error) {
	return nil, nil
}

func (s *stubHuly) FindByTitle(ctx context.Context, project, title string) (*huly.Issue, error) {
	return nil, nil
}

func (s *stubHuly) SetParent(ctx context.Context, identifier, parent string) error { return nil }

type harness struct {
	ctl *Controller
	st  *store.Store
	h   *stubHuly
	cfg *config.Store
	eng *workflow.Engine
}

func newHarness(t *testing.T, interval time.Duration) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.NewStore(&config.Config{
		SyncInterval:         interval,
		MaxWorkers:           4,
		BatchSize:            25,
		DBPath:               ":memory:",
		HulyURL:              "http://h.local",
		DebounceWindow:       40 * time.Millisecond,
		ReconciliationAction: config.ReconcileMarkDeleted,
		LogLevel:             "info",
	})

	h := &stubHuly{}
	eng := workflow.NewEngine(st, workflow.Options{Logger: zaptest.NewLogger(t), MaxWorkers: 4})
	t.Cleanup(eng.Drain)

	orch := orchestrator.New(orchestrator.Options{
		Config: cfg,
		Store:  st,
		Huly:   h,
		Cache:  dedupe.NewCache(st, time.Second),
		Logger: zaptest.NewLogger(t),
	})
	return &harness{
		ctl: New(cfg, eng, orch, nil, zaptest.NewLogger(t)),
		st:  st, h: h, cfg: cfg, eng: eng,
	}
}

func (h *harness) completedRuns(t *testing.T) int {
	t.Helper()
	runs, err := h.st.RecentRuns(context.Background(), 50)
	require.NoError(t, err)
	n := 0
	for _, r := range runs {
		if r.State == store.RunCompleted {
			n++
		}
	}
	return n
}

func TestStartupOrchestrationRuns(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ctl.Run(ctx)

	require.Eventually(t, func() bool { return h.completedRuns(t) >= 1 },
		5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, h.h.listCalls.Load(), int32(1))
}

func TestManualTriggerRunsOrchestration(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ctl.Run(ctx)

	require.Eventually(t, func() bool { return h.completedRuns(t) >= 1 },
		5*time.Second, 20*time.Millisecond)

	id := h.ctl.TriggerSync()
	assert.NotEmpty(t, id)
	require.Eventually(t, func() bool { return h.completedRuns(t) >= 2 },
		5*time.Second, 20*time.Millisecond)
}

func TestFileEventsDebounceIntoOneProjectSync(t *testing.T) {
	h := newHarness(t, time.Hour)
	require.NoError(t, h.st.UpsertProject(context.Background(), &types.Project{
		Identifier: "PROJ", Name: "Project",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ctl.Run(ctx)

	require.Eventually(t, func() bool { return h.completedRuns(t) >= 1 },
		5*time.Second, 20*time.Millisecond)
	before := h.h.bulkCalls.Load()

	for i := 0; i < 5; i++ {
		h.ctl.Submit(types.SyncEvent{
			Source: types.EventSourceFile, Kind: types.EventUpdate,
			ProjectID: "PROJ", ReceivedAt: time.Now(),
		})
	}

	require.Eventually(t, func() bool { return h.h.bulkCalls.Load() > before },
		5*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before+1, h.h.bulkCalls.Load(), "burst must collapse into one sync")
}

func TestOverlapSkippedWhilePaused(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.eng.Deliver(workflow.SignalPause, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.ctl.Run(ctx)

	// Startup run is admitted and parked on the pause gate.
	require.Eventually(t, func() bool {
		runs, err := h.st.RecentRuns(context.Background(), 10)
		require.NoError(t, err)
		return len(runs) == 1 && runs[0].State == store.RunRunning
	}, 5*time.Second, 20*time.Millisecond)

	h.ctl.TriggerSync()
	time.Sleep(200 * time.Millisecond)
	runs, err := h.st.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "overlapping trigger must be skipped")

	h.eng.Deliver(workflow.SignalResume, "")
	require.Eventually(t, func() bool { return h.completedRuns(t) >= 1 },
		5*time.Second, 20*time.Millisecond)
}

func TestReloadRejectsBadConfig(t *testing.T) {
	h := newHarness(t, time.Hour)
	err := h.ctl.Reload("/nonexistent/hvsync.yaml")
	assert.Error(t, err)
	assert.Equal(t, time.Hour, h.cfg.Get().SyncInterval, "failed reload must not change config")
}
