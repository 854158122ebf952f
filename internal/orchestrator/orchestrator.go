// Package orchestrator drives the sync cycle: fetch the Huly truth, mirror
// it into Vibe and beads, and fold counterpart changes back into Huly under
// the conflict rules.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/beads"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/config"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/dedupe"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/huly"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/store"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/vibe"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/workflow"
)

// HulyAPI is the slice of the Huly client the orchestrator uses.
type HulyAPI interface {
	ListProjects(ctx context.Context) ([]huly.Project, error)
	BulkListIssues(ctx context.Context, req huly.BulkRequest) (map[string][]huly.Issue, error)
	GetIssue(ctx context.Context, identifier string) (*huly.Issue, error)
	CreateIssue(ctx context.Context, project string, payload huly.CreatePayload) (*huly.Issue, error)
	PatchIssue(ctx context.Context, identifier string, fields map[string]interface{}) (*huly.Issue, error)
	FindByTitle(ctx context.Context, project, title string) (*huly.Issue, error)
	SetParent(ctx context.Context, identifier, parent string) error
}

// VibeAPI is the slice of the Vibe client the orchestrator uses.
type VibeAPI interface {
	ListTasks(ctx context.Context, projectID string) ([]vibe.Task, error)
	GetTask(ctx context.Context, taskID string) (*vibe.Task, error)
	CreateTask(ctx context.Context, projectID string, payload vibe.TaskPayload) (*vibe.Task, error)
	UpdateTask(ctx context.Context, taskID string, fields map[string]interface{}) (*vibe.Task, error)
	DeleteTask(ctx context.Context, taskID string) error
	FindBoardByName(ctx context.Context, name string) (*vibe.Board, error)
	CreateBoard(ctx context.Context, name string) (*vibe.Board, error)
}

// BeadsClient is the slice of the bd wrapper the orchestrator uses.
type BeadsClient interface {
	Available() bool
	List(ctx context.Context) ([]beads.Issue, error)
	Show(ctx context.Context, id string) (*beads.Issue, error)
	Create(ctx context.Context, title, description string, priority int) (*beads.Issue, error)
	Update(ctx context.Context, id string, fields map[string]string) error
	Label(ctx context.Context, id, label string) error
	Close(ctx context.Context, id, reason string) error
	Commit(ctx context.Context, message string) error
}

// BeadsFactory creates a bd client for a repo path.
type BeadsFactory func(repoPath string) BeadsClient

// ReviewSink receives issues entering the needs-review state. May be nil.
type ReviewSink func(types.ReviewRequest)

// SnapshotSink receives post-sync board snapshots. May be nil.
type SnapshotSink interface {
	PostSnapshot(ctx context.Context, projectID string, tasks []vibe.Task) error
}

// Orchestrator owns the cycle logic. It is stateless between cycles apart
// from the history ring.
type Orchestrator struct {
	cfg      *config.Store
	store    *store.Store
	huly     HulyAPI
	vibe     VibeAPI // nil when the Vibe side is disabled
	beadsFor BeadsFactory
	cache    *dedupe.Cache
	metrics  *metrics.Metrics
	onReview ReviewSink
	snapshot SnapshotSink
	log      *zap.Logger

	history *History

	// Per-project serialization shared by the cycle, webhook, and SSE
	// paths. Interleaved writers on one project would race the mapping
	// store's read-resolve-write sequence.
	pmu       sync.Mutex
	projLocks map[string]*sync.Mutex
}

// Options wires an Orchestrator.
type Options struct {
	Config   *config.Store
	Store    *store.Store
	Huly     HulyAPI
	Vibe     VibeAPI
	BeadsFor BeadsFactory
	Cache    *dedupe.Cache
	Metrics  *metrics.Metrics
	OnReview ReviewSink
	Snapshot SnapshotSink
	Logger   *zap.Logger
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	beadsFor := opts.BeadsFor
	if beadsFor == nil {
		beadsFor = func(repoPath string) BeadsClient {
			return beads.NewClient(repoPath, log.Named("beads"))
		}
	}
	return &Orchestrator{
		cfg:       opts.Config,
		store:     opts.Store,
		huly:      opts.Huly,
		vibe:      opts.Vibe,
		beadsFor:  beadsFor,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		onReview:  opts.OnReview,
		snapshot:  opts.Snapshot,
		log:       log,
		history:   NewHistory(50),
		projLocks: make(map[string]*sync.Mutex),
	}
}

// lockProject acquires the project's sync lock and returns its release.
func (o *Orchestrator) lockProject(projectID string) func() {
	o.pmu.Lock()
	mu, ok := o.projLocks[projectID]
	if !ok {
		mu = &sync.Mutex{}
		o.projLocks[projectID] = mu
	}
	o.pmu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Busy reports whether a sync currently holds the project's lock.
func (o *Orchestrator) Busy(projectID string) bool {
	o.pmu.Lock()
	mu, ok := o.projLocks[projectID]
	o.pmu.Unlock()
	if !ok {
		return false
	}
	if mu.TryLock() {
		mu.Unlock()
		return false
	}
	return true
}

// countSynced bumps the per-direction synced-issue counter.
func (o *Orchestrator) countSynced(direction string) {
	if o.metrics != nil {
		o.metrics.IssuesSynced.WithLabelValues(direction).Inc()
	}
}

// History returns the cycle history ring.
func (o *Orchestrator) History() *History { return o.history }

// RunCycle executes one full orchestration as a workflow body. Per-issue and
// per-project failures are counted, not fatal; only infrastructure failures
// (mapping store, Huly project fetch) fail the cycle.
func (o *Orchestrator) RunCycle(wctx *workflow.Context) (types.CycleResult, error) {
	cfg := o.cfg.Get()
	res := types.CycleResult{StartedAt: time.Now(), DryRun: cfg.DryRun}

	var projects []*types.Project
	err := wctx.Execute("fetchProjects", func(ctx context.Context) error {
		var err error
		projects, err = o.fetchProjects(ctx, cfg)
		return err
	})
	if err != nil {
		return o.finish(res, err)
	}

	identifiers := make([]string, 0, len(projects))
	for _, p := range projects {
		identifiers = append(identifiers, p.Identifier)
	}

	var bulk map[string][]huly.Issue
	err = wctx.Execute("fetchBulkIssues", func(ctx context.Context) error {
		var err error
		bulk, err = o.huly.BulkListIssues(ctx, huly.BulkRequest{Projects: identifiers})
		return err
	})
	if err != nil {
		return o.finish(res, err)
	}

	for _, p := range projects {
		p := p
		perr := wctx.Execute("syncProject/"+p.Identifier, func(ctx context.Context) error {
			return o.syncProject(ctx, cfg, p, bulk[p.Identifier], &res)
		})
		res.ProjectsProcessed++
		if perr != nil {
			res.Errors++
			o.log.Error("project sync failed",
				zap.String("project", p.Identifier), zap.Error(perr))
			if syncerr.IsFatal(perr) {
				return o.finish(res, perr)
			}
		}
		o.cache.Invalidate(p.Identifier)
	}

	if o.metrics != nil {
		o.metrics.ProjectsTracked.Set(float64(len(projects)))
		if n, err := o.store.CountIssues(wctx.Ctx()); err == nil {
			o.metrics.IssuesTracked.Set(float64(n))
		}
	}
	return o.finish(res, nil)
}

func (o *Orchestrator) finish(res types.CycleResult, err error) (types.CycleResult, error) {
	res.Duration = time.Since(res.StartedAt)
	if err != nil {
		res.Err = err.Error()
	}
	o.history.Add(res)
	if o.metrics != nil {
		o.metrics.RecordCycle(res.Duration, err != nil)
	}
	o.log.Info("cycle finished",
		zap.Duration("duration", res.Duration),
		zap.Int("projects", res.ProjectsProcessed),
		zap.Int("synced", res.IssuesSynced),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
		zap.Bool("dry_run", res.DryRun),
		zap.String("error", res.Err))
	return res, err
}

// dryRun reports whether a mutation should be suppressed, logging it when so.
func (o *Orchestrator) dryRun(cfg *config.Config, res *types.CycleResult, action string, kv ...zap.Field) bool {
	if !cfg.DryRun {
		return false
	}
	o.log.Info("dry-run: would "+action, kv...)
	if res != nil {
		res.Skipped++
	}
	return true
}

// History is a bounded ring of recent cycle results, newest first.
type History struct {
	mu      sync.Mutex
	entries []types.CycleResult
	max     int
}

// NewHistory creates a ring keeping up to max entries.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 50
	}
	return &History{max: max}
}

// Add records a result.
func (h *History) Add(r types.CycleResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append([]types.CycleResult{r}, h.entries...)
	if len(h.entries) > h.max {
		h.entries = h.entries[:h.max]
	}
}

// Recent returns up to n results, newest first.
func (h *History) Recent(n int) []types.CycleResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.entries) {
		n = len(h.entries)
	}
	return append([]types.CycleResult(nil), h.entries[:n]...)
}

// Last returns the most recent result and whether one exists.
func (h *History) Last() (types.CycleResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) == 0 {
		return types.CycleResult{}, false
	}
	return h.entries[0], true
}

func commitMessage(projectID string, created, updated int) string {
	return fmt.Sprintf("hvsync: sync %s (%d created, %d updated)", projectID, created, updated)
}
