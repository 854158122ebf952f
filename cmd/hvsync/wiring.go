package main

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/dedupe"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/httpx"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/huly"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/orchestrator"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/store"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/telemetry"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/vibe"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/workflow"
)

// app is the assembled engine shared by the serve and sync commands.
type app struct {
	st   *store.Store
	m    *metrics.Metrics
	eng  *workflow.Engine
	orch *orchestrator.Orchestrator
	vibe *vibe.Client // nil when V_API_URL is unset

	// reviewHook receives needs-review handoffs in addition to the log line.
	// Set by serve to publish onto the admin event stream.
	reviewHook func(types.ReviewRequest)
}

// buildApp opens the mapping store and wires clients, metrics, the workflow
// engine, and the orchestrator.
func buildApp(ctx context.Context) (*app, error) {
	cfg := cfgStore.Get()
	a := &app{}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, err
		}
	}
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.st = st

	// Rows left running by a crashed process would block overlap-skip forever.
	if n, err := st.ReapStaleRuns(ctx, cfg.OrchestrationTimeout()); err != nil {
		logger.Warn("stale run reap failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("reaped stale workflow runs", zap.Int("count", n))
	}

	a.m = metrics.New()
	a.eng = workflow.NewEngine(st, workflow.Options{
		TaskQueue:  cfg.TaskQueue,
		MaxWorkers: int64(cfg.MaxWorkers),
		Logger:     logger.Named("workflow"),
		OnReload: func() {
			logger.Info("configuration reload applied", zap.Int("version", cfgStore.Get().Version))
		},
		ActiveGauge: a.m.WorkflowsActive,
	})

	observer := httpx.Observer(telemetry.APIObserver(a.m.ObserveAPI))
	hc := huly.NewClient(cfg.HulyURL, httpx.Options{
		Token:    cfg.HulyToken,
		Delay:    cfg.APIDelay,
		Observer: observer,
		Logger:   logger.Named("huly"),
	})

	opts := orchestrator.Options{
		Config:  cfgStore,
		Store:   st,
		Huly:    hc,
		Cache:   dedupe.NewCache(st, cfg.DedupeCacheTTL),
		Metrics: a.m,
		Logger:  logger.Named("orchestrator"),
		OnReview: func(req types.ReviewRequest) {
			logger.Info("issue entered review",
				zap.String("issue", req.HulyIdentifier),
				zap.String("title", req.Title))
			if a.reviewHook != nil {
				a.reviewHook(req)
			}
		},
	}
	if cfg.VibeEnabled() {
		a.vibe = vibe.NewClient(cfg.VibeURL, httpx.Options{
			Token:    cfg.VibeToken,
			Delay:    cfg.APIDelay,
			Observer: observer,
			Logger:   logger.Named("vibe"),
		})
		opts.Vibe = a.vibe
	} else {
		logger.Info("vibe side disabled, V_API_URL is unset")
	}
	if cfg.SidecarURL != "" {
		opts.Snapshot = vibe.NewSidecarClient(cfg.SidecarURL, httpx.Options{
			Logger: logger.Named("sidecar"),
		})
	}
	a.orch = orchestrator.New(opts)
	return a, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	a.eng.Drain()
	if err := a.st.Close(); err != nil {
		logger.Warn("store close failed", zap.Error(err))
	}
}
