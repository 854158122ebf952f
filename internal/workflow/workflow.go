// Package workflow is a small durable execution engine for the sync cycles.
//
// Workflows run in-process on a bounded worker pool. Each execution is
// persisted as a run row so restarts can see (and reap) what was in flight,
// activities retry with exponential backoff under a bounded attempt policy,
// and long-lived workflows roll over with continue-as-new instead of
// accumulating unbounded state. Signals cover cancel, pause, resume, and
// config reload.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/store"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/telemetry"
)

// ErrContinueAsNew is returned by a workflow function to finish the current
// run and immediately start a fresh one carrying no accumulated state.
var ErrContinueAsNew = errors.New("workflow: continue as new")

// ErrSkipped is returned by StartScheduled when an execution of the same
// workflow ID is still running.
var ErrSkipped = errors.New("workflow: previous run still active, skipped")

const (
	// Activities get this many attempts before the failure surfaces to the
	// workflow.
	maxActivityAttempts = 5

	// A run rolls over once it has executed this many activities.
	continueAsNewAfterSteps = 500

	// This many failed runs of one workflow in a row pauses the engine; an
	// operator resumes it once the underlying fault is fixed.
	pauseAfterConsecutiveFailures = 5
)

// Signal is a control message delivered to the engine.
type Signal string

const (
	SignalCancel       Signal = "cancel"
	SignalPause        Signal = "pause"
	SignalResume       Signal = "resume"
	SignalReloadConfig Signal = "reloadConfig"
)

// Fn is a workflow body. It receives a Context for running activities and
// observing signals.
type Fn func(wctx *Context) error

// Options tunes an Engine.
type Options struct {
	TaskQueue  string
	MaxWorkers int64
	Logger     *zap.Logger

	// OnReload is invoked when a reloadConfig signal arrives. May be nil.
	OnReload func()

	// ActiveGauge tracks running executions. May be nil.
	ActiveGauge interface{ Inc(); Dec() }
}

// Engine runs workflows.
type Engine struct {
	store     *store.Store
	taskQueue string
	sem       *semaphore.Weighted
	log       *zap.Logger
	onReload  func()
	gauge     interface{ Inc(); Dec() }

	mu       sync.Mutex
	running  map[string]*execution // workflow ID → in-flight execution
	failures map[string]int        // workflow ID → consecutive failed runs
	paused   bool
	resume   chan struct{}
	wg       sync.WaitGroup
}

type execution struct {
	runID  string
	cancel context.CancelFunc
}

// NewEngine creates a workflow engine backed by the mapping store.
func NewEngine(st *store.Store, opts Options) *Engine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TaskQueue == "" {
		opts.TaskQueue = "sync"
	}
	return &Engine{
		store:     st,
		taskQueue: opts.TaskQueue,
		sem:       semaphore.NewWeighted(opts.MaxWorkers),
		log:       opts.Logger,
		onReload:  opts.OnReload,
		gauge:     opts.ActiveGauge,
		running:   map[string]*execution{},
		failures:  map[string]int{},
		resume:    make(chan struct{}),
	}
}

// Start begins an execution of the workflow. It returns once the execution
// is admitted; the workflow body runs on the pool. Input is recorded on the
// run row for the admin surface.
func (e *Engine) Start(ctx context.Context, workflowID, workflowType, input string, fn Fn) (string, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}

	runID := uuid.NewString()
	run := &store.WorkflowRun{
		RunID:        runID,
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		TaskQueue:    e.taskQueue,
		Input:        input,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		e.sem.Release(1)
		return "", err
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.running[workflowID] = &execution{runID: runID, cancel: cancel}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(execCtx, workflowID, workflowType, input, runID, "", fn)
	return runID, nil
}

// RunInline executes a workflow synchronously on the caller's goroutine and
// returns its error. Used by the one-shot CLI path, where the process exits
// when the cycle does.
func (e *Engine) RunInline(ctx context.Context, workflowID, workflowType, input string, fn Fn) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	runID := uuid.NewString()
	run := &store.WorkflowRun{
		RunID:        runID,
		WorkflowID:   workflowID,
		WorkflowType: workflowType,
		TaskQueue:    e.taskQueue,
		Input:        input,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return err
	}

	wctx := &Context{ctx: ctx, engine: e, log: e.log.With(zap.String("run_id", runID))}
	err := fn(wctx)

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	switch {
	case err != nil:
		_ = e.store.FinishRun(finishCtx, runID, store.RunFailed, wctx.steps, err.Error())
	default:
		_ = e.store.FinishRun(finishCtx, runID, store.RunCompleted, wctx.steps, "")
	}
	return err
}

// StartScheduled is Start with overlap-skip: if an execution of workflowID
// is still active (in memory or persisted by a live row), it returns
// ErrSkipped instead of starting another.
func (e *Engine) StartScheduled(ctx context.Context, workflowID, workflowType, input string, fn Fn) (string, error) {
	e.mu.Lock()
	_, active := e.running[workflowID]
	e.mu.Unlock()
	if active {
		return "", ErrSkipped
	}
	if run, err := e.store.ActiveRun(ctx, workflowID); err != nil {
		return "", err
	} else if run != nil {
		return "", ErrSkipped
	}
	return e.Start(ctx, workflowID, workflowType, input, fn)
}

func (e *Engine) execute(ctx context.Context, workflowID, workflowType, input, runID, continuedFrom string, fn Fn) {
	defer e.wg.Done()
	defer e.sem.Release(1)
	if e.gauge != nil {
		e.gauge.Inc()
		defer e.gauge.Dec()
	}

	log := e.log.With(
		zap.String("workflow_id", workflowID),
		zap.String("workflow_type", workflowType),
		zap.String("run_id", runID))
	log.Info("workflow started", zap.String("continued_from", continuedFrom))

	wctx := &Context{ctx: ctx, engine: e, log: log}
	err := fn(wctx)

	e.mu.Lock()
	if exec, ok := e.running[workflowID]; ok && exec.runID == runID {
		delete(e.running, workflowID)
	}
	e.mu.Unlock()

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case errors.Is(err, ErrContinueAsNew):
		_ = e.store.FinishRun(finishCtx, runID, store.RunContinuedAsNew, wctx.steps, "")
		log.Info("workflow continuing as new", zap.Int("steps", wctx.steps))
		e.resetFailures(workflowID)
		e.continueAsNew(finishCtx, workflowID, workflowType, input, runID, fn)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		_ = e.store.FinishRun(finishCtx, runID, store.RunCancelled, wctx.steps, "cancelled")
		log.Info("workflow cancelled", zap.Int("steps", wctx.steps))
	case err != nil:
		_ = e.store.FinishRun(finishCtx, runID, store.RunFailed, wctx.steps, err.Error())
		log.Error("workflow failed", zap.Error(err), zap.Int("steps", wctx.steps))
		e.noteFailure(workflowID, log)
	default:
		_ = e.store.FinishRun(finishCtx, runID, store.RunCompleted, wctx.steps, "")
		log.Info("workflow completed", zap.Int("steps", wctx.steps))
		e.resetFailures(workflowID)
	}
}

func (e *Engine) resetFailures(workflowID string) {
	e.mu.Lock()
	delete(e.failures, workflowID)
	e.mu.Unlock()
}

// noteFailure counts consecutive failed runs and pauses the engine once the
// streak crosses the threshold. Runs already admitted park at the pause gate.
func (e *Engine) noteFailure(workflowID string, log *zap.Logger) {
	e.mu.Lock()
	e.failures[workflowID]++
	n := e.failures[workflowID]
	pausing := n >= pauseAfterConsecutiveFailures && !e.paused
	if pausing {
		e.paused = true
		e.resume = make(chan struct{})
	}
	e.mu.Unlock()
	if pausing {
		log.Error("pausing engine after consecutive workflow failures",
			zap.Int("consecutive_failures", n))
	}
}

func (e *Engine) continueAsNew(ctx context.Context, workflowID, workflowType, input, fromRunID string, fn Fn) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return
	}
	runID := uuid.NewString()
	run := &store.WorkflowRun{
		RunID:         runID,
		WorkflowID:    workflowID,
		WorkflowType:  workflowType,
		TaskQueue:     e.taskQueue,
		Input:         input,
		ContinuedFrom: fromRunID,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		e.sem.Release(1)
		e.log.Error("continue-as-new insert failed", zap.Error(err))
		return
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.running[workflowID] = &execution{runID: runID, cancel: cancel}
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(execCtx, workflowID, workflowType, input, runID, fromRunID, fn)
}

// Deliver routes a signal. Cancel targets one workflow ID; pause, resume and
// reloadConfig are engine-wide.
func (e *Engine) Deliver(sig Signal, workflowID string) {
	switch sig {
	case SignalCancel:
		e.mu.Lock()
		exec := e.running[workflowID]
		e.mu.Unlock()
		if exec != nil {
			exec.cancel()
		}
	case SignalPause:
		e.mu.Lock()
		if !e.paused {
			e.paused = true
			e.resume = make(chan struct{})
		}
		e.mu.Unlock()
		e.log.Info("workflow engine paused")
	case SignalResume:
		e.mu.Lock()
		if e.paused {
			e.paused = false
			close(e.resume)
		}
		// A resume is an operator vouching that the fault is fixed.
		e.failures = map[string]int{}
		e.mu.Unlock()
		e.log.Info("workflow engine resumed")
	case SignalReloadConfig:
		if e.onReload != nil {
			e.onReload()
		}
	}
}

// CancelRun cancels the in-flight execution of workflowID only when runID
// is still the run in flight. A stale watchdog must not kill a healthy
// successor run under the same workflow ID.
func (e *Engine) CancelRun(workflowID, runID string) {
	e.mu.Lock()
	exec := e.running[workflowID]
	e.mu.Unlock()
	if exec != nil && exec.runID == runID {
		exec.cancel()
	}
}

// Active reports whether an execution of workflowID is in flight.
func (e *Engine) Active(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[workflowID]
	return ok
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// awaitResume blocks while the engine is paused.
func (e *Engine) awaitResume(ctx context.Context) error {
	e.mu.Lock()
	paused, resume := e.paused, e.resume
	e.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resume:
		return nil
	}
}

// Drain waits for all in-flight executions to finish.
func (e *Engine) Drain() {
	e.mu.Lock()
	for _, exec := range e.running {
		exec.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Context is the execution context handed to a workflow body.
type Context struct {
	ctx    context.Context
	engine *Engine
	log    *zap.Logger
	steps  int
}

// Done exposes the run's cancellation channel.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns the run's cancellation error, if any.
func (c *Context) Err() error { return c.ctx.Err() }

// Ctx returns the underlying context for passing into clients.
func (c *Context) Ctx() context.Context { return c.ctx }

// Logger returns the run-scoped logger.
func (c *Context) Logger() *zap.Logger { return c.log }

// Steps returns how many activities this run has executed.
func (c *Context) Steps() int { return c.steps }

// ShouldContinueAsNew reports whether the run has done enough work that the
// workflow should roll over.
func (c *Context) ShouldContinueAsNew() bool { return c.steps >= continueAsNewAfterSteps }

// Execute runs one activity under the retry policy: up to five attempts with
// exponential backoff for transient failures, immediate surfacing for
// everything else. Pause blocks between activities, never mid-activity.
func (c *Context) Execute(name string, fn func(ctx context.Context) error) error {
	if err := c.engine.awaitResume(c.ctx); err != nil {
		return err
	}
	c.steps++

	attempts := 0
	operation := func() error {
		attempts++
		err := telemetry.WithSpan(c.ctx, "activity."+name, fn)
		if err == nil {
			return nil
		}
		if c.ctx.Err() != nil || !syncerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn("activity attempt failed",
			zap.String("activity", name), zap.Int("attempt", attempts), zap.Error(err))
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxActivityAttempts-1), c.ctx)
	err := backoff.Retry(operation, bo)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return syncerr.New(syncerr.KindOf(err), "workflow."+name, err)
	}
	return nil
}
