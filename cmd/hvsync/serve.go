package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/controller"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/httpapi"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/telemetry"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/vibe"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine until interrupted",
	Long: `Serve runs the full engine: the scheduled orchestration loop, the Huly
webhook intake, the Vibe SSE consumer, per-repo file watchers, and the admin
HTTP surface.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "hvsync", Version); err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutCtx)
	}()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ctl := controller.New(cfgStore, a.eng, a.orch, a.m, logger.Named("controller"))
	srv := httpapi.NewServer(cfgStore, ctl, a.st, a.orch, a.eng, a.m, logger.Named("http"))
	a.reviewHook = func(req types.ReviewRequest) {
		srv.Events().Publish("review_requested", req)
	}

	cfg := cfgStore.Get()
	logger.Info("hvsync starting",
		zap.String("version", Version),
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("vibe_enabled", cfg.VibeEnabled()),
		zap.String("listen_addr", cfg.ListenAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctl.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return runWatcher(gctx, a, ctl) })
	if a.vibe != nil {
		g.Go(func() error {
			return a.vibe.Stream(gctx, func(ev vibe.Event) {
				ctl.HandleVibeEvent(gctx, ev)
			})
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("hvsync shut down")
		return nil
	}
	return fatalRuntime(err)
}

// runWatcher keeps filesystem watches registered for every project with a
// known repo path. Projects discovered by later cycles are picked up on the
// next refresh.
func runWatcher(ctx context.Context, a *app, ctl *controller.Controller) error {
	cfg := cfgStore.Get()
	w, err := watcher.New(ctl.Submit, watcher.Options{
		Debounce:       cfg.DebounceWindow,
		BurstThreshold: cfg.BurstThreshold,
		BurstWindow:    cfg.BurstWindow,
		Logger:         logger.Named("watcher"),
	})
	if err != nil {
		// File watch is an optimization over the tick; run without it.
		logger.Warn("filesystem watcher unavailable", zap.Error(err))
		<-ctx.Done()
		return ctx.Err()
	}

	refresh := func() {
		projects, err := a.st.ListProjects(ctx)
		if err != nil {
			logger.Warn("watcher refresh failed", zap.Error(err))
			return
		}
		for _, p := range projects {
			if !p.HasRepo() {
				continue
			}
			if err := w.Add(p.Identifier, p.RepoPath); err != nil {
				logger.Warn("repo watch failed",
					zap.String("project", p.Identifier),
					zap.String("repo", p.RepoPath),
					zap.Error(err))
			}
		}
	}
	refresh()

	go func() {
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()

	return w.Run(ctx)
}
