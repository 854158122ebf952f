// Package controller is the engine's event brain: it owns the schedule, the
// intake queue, and the routing of events to the right sync scope. Per-project
// serialization lives in the orchestrator, shared by every entry path.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/config"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/orchestrator"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/vibe"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/watcher"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/workflow"
)

const (
	// Workflow identity of the scheduled orchestration. One logical workflow,
	// many runs.
	orchestrationID   = "orchestration"
	orchestrationType = "OrchestrationWorkflow"

	eventQueueSize = 256
)

// Controller routes sync events into orchestrations.
type Controller struct {
	cfg     *config.Store
	eng     *workflow.Engine
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	log     *zap.Logger

	events chan types.SyncEvent

	mu         sync.Mutex
	debouncers map[string]*watcher.Debouncer

	wg sync.WaitGroup
}

// New creates a Controller.
func New(cfg *config.Store, eng *workflow.Engine, orch *orchestrator.Orchestrator, m *metrics.Metrics, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		cfg:        cfg,
		eng:        eng,
		orch:       orch,
		metrics:    m,
		log:        log,
		events:     make(chan types.SyncEvent, eventQueueSize),
		debouncers: map[string]*watcher.Debouncer{},
	}
}

// Submit enqueues a sync event. A full queue drops the event with a warning
// rather than blocking the intake path.
func (c *Controller) Submit(ev types.SyncEvent) {
	select {
	case c.events <- ev:
		if c.metrics != nil {
			c.metrics.QueueDepth.Set(float64(len(c.events)))
		}
	default:
		c.log.Warn("event queue full, dropping event", zap.Stringer("event", ev))
	}
}

// Run pumps the schedule and the event queue until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	interval := c.cfg.Get().SyncInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// One orchestration on startup so a fresh deployment converges
	// immediately instead of waiting out the first interval.
	c.startOrchestration(ctx, types.EventSourceTick)

	for {
		select {
		case <-ctx.Done():
			c.drain()
			return ctx.Err()
		case <-ticker.C:
			if next := c.cfg.Get().SyncInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
			c.startOrchestration(ctx, types.EventSourceTick)
		case ev := <-c.events:
			if c.metrics != nil {
				c.metrics.QueueDepth.Set(float64(len(c.events)))
			}
			c.route(ctx, ev)
		}
	}
}

// route dispatches one event to its sync scope.
func (c *Controller) route(ctx context.Context, ev types.SyncEvent) {
	switch {
	case ev.ProjectID == "":
		c.startOrchestration(ctx, ev.Source)
	case ev.IssueKey != "" && ev.Source == types.EventSourceWebhook:
		c.runDetached(ctx, ev.ProjectID, func(runCtx context.Context) error {
			return c.orch.SyncHulyIssue(runCtx, ev.ProjectID, ev.IssueKey)
		})
	case ev.Source == types.EventSourceManual:
		c.runDetached(ctx, ev.ProjectID, func(runCtx context.Context) error {
			return c.orch.SyncSingleProject(runCtx, ev.ProjectID)
		})
	default:
		// Project-scoped webhook or file event; debounce so event storms
		// collapse into one pass.
		c.debounced(ctx, ev.ProjectID)
	}
}

// debounced schedules a per-project sync after the quiet period.
func (c *Controller) debounced(ctx context.Context, projectID string) {
	c.mu.Lock()
	d, ok := c.debouncers[projectID]
	if !ok {
		d = watcher.NewDebouncer(c.cfg.Get().DebounceWindow, func() {
			c.runDetached(ctx, projectID, func(runCtx context.Context) error {
				return c.orch.SyncSingleProject(runCtx, projectID)
			})
		})
		c.debouncers[projectID] = d
	}
	c.mu.Unlock()
	d.Trigger()
}

// runDetached executes fn off the event loop under the orchestration timeout.
// The orchestrator's per-project lock serializes it against other sync work.
func (c *Controller) runDetached(ctx context.Context, projectID string, fn func(context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Get().OrchestrationTimeout())
		defer cancel()
		if err := fn(runCtx); err != nil {
			c.log.Error("project sync failed", zap.String("project", projectID), zap.Error(err))
		}
	}()
}

// startOrchestration launches the full cycle workflow, skipping when the
// previous one is still running.
func (c *Controller) startOrchestration(ctx context.Context, src types.EventSource) {
	cfg := c.cfg.Get()
	runID, err := c.eng.StartScheduled(ctx, orchestrationID, orchestrationType, string(src),
		func(wctx *workflow.Context) error {
			_, err := c.orch.RunCycle(wctx)
			if err == nil && wctx.ShouldContinueAsNew() {
				return workflow.ErrContinueAsNew
			}
			return err
		})
	if errors.Is(err, workflow.ErrSkipped) {
		if c.metrics != nil {
			c.metrics.RecordSkip()
		}
		c.log.Info("orchestration skipped, previous cycle still running",
			zap.String("source", string(src)))
		return
	}
	if err != nil {
		c.log.Error("orchestration start failed", zap.Error(err))
		return
	}

	// Watchdog: a cycle may not outlive its successor's slot. Cancellation
	// is pinned to this run ID so a finished-and-replaced cycle cannot take
	// its successor down with it.
	timeout := cfg.OrchestrationTimeout()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			c.eng.CancelRun(orchestrationID, runID)
		}
	}()
	c.log.Debug("orchestration started",
		zap.String("run_id", runID), zap.String("source", string(src)))
}

// HandleVibeEvent is the SSE intake: per-issue scope, applied immediately.
func (c *Controller) HandleVibeEvent(ctx context.Context, ev vibe.Event) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.orch.HandleVibeEvent(ctx, ev); err != nil {
			c.log.Warn("vibe event handling failed",
				zap.String("task", ev.TaskID), zap.Error(err))
		}
	}()
}

// OrchestrationActive reports whether a full cycle is currently in flight.
func (c *Controller) OrchestrationActive() bool {
	return c.eng.Active(orchestrationID)
}

// ProjectBusy reports whether a sync currently holds the project's lock.
func (c *Controller) ProjectBusy(projectID string) bool {
	return c.orch.Busy(projectID)
}

// TriggerProjectSync requests an immediate sync of one project via the
// manual intake.
func (c *Controller) TriggerProjectSync(projectID string) string {
	id := uuid.NewString()
	c.Submit(types.SyncEvent{
		Source:        types.EventSourceManual,
		Kind:          types.EventUpdate,
		ProjectID:     projectID,
		CorrelationID: id,
		ReceivedAt:    time.Now(),
	})
	return id
}

// TriggerSync requests an immediate orchestration via the manual intake.
func (c *Controller) TriggerSync() string {
	id := uuid.NewString()
	c.Submit(types.SyncEvent{
		Source:        types.EventSourceManual,
		Kind:          types.EventUpdate,
		CorrelationID: id,
		ReceivedAt:    time.Now(),
	})
	return id
}

// Reload loads configuration from path and installs it, notifying the
// workflow engine.
func (c *Controller) Reload(path string) error {
	next, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := c.cfg.Swap(next); err != nil {
		return err
	}
	c.eng.Deliver(workflow.SignalReloadConfig, "")
	c.log.Info("configuration reloaded", zap.Int("version", c.cfg.Get().Version))
	return nil
}

// drain cancels pending debouncers and waits for in-flight work.
func (c *Controller) drain() {
	c.mu.Lock()
	debs := make([]*watcher.Debouncer, 0, len(c.debouncers))
	for _, d := range c.debouncers {
		debs = append(debs, d)
	}
	c.mu.Unlock()
	for _, d := range debs {
		d.CancelAndWait()
	}
	c.wg.Wait()
}
