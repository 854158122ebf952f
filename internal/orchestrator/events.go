package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/config"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/huly"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/resolve"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/statusmap"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/vibe"
)

// SyncSingleProject runs the full project sync for one project outside a
// scheduled cycle. Used by webhook and file events.
func (o *Orchestrator) SyncSingleProject(ctx context.Context, projectID string) error {
	cfg := o.cfg.Get()
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p == nil {
		return syncerr.Newf(syncerr.KindNotFound, "orchestrator.SyncSingleProject",
			"unknown project %q", projectID)
	}

	bulk, err := o.huly.BulkListIssues(ctx, huly.BulkRequest{Projects: []string{projectID}})
	if err != nil {
		return err
	}

	res := types.CycleResult{}
	defer o.cache.Invalidate(projectID)
	return o.syncProject(ctx, cfg, p, bulk[projectID], &res)
}

// SyncHulyIssue folds one Huly issue through the counterpart systems in
// response to a webhook. A missing issue means it was deleted in Huly; the
// counterparts are removed and the mapping row dropped.
func (o *Orchestrator) SyncHulyIssue(ctx context.Context, projectID, identifier string) error {
	cfg := o.cfg.Get()
	p, err := o.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p == nil {
		return syncerr.Newf(syncerr.KindNotFound, "orchestrator.SyncHulyIssue",
			"unknown project %q", projectID)
	}

	unlock := o.lockProject(projectID)
	defer unlock()

	hi, err := o.huly.GetIssue(ctx, identifier)
	if err != nil {
		return err
	}
	if hi == nil {
		return o.removeCounterparts(ctx, cfg, projectID, identifier)
	}

	ps := &projectSync{o: o, cfg: cfg, p: p, res: &types.CycleResult{}}
	if o.vibe != nil && p.HasVibe() {
		tasks, err := o.vibe.ListTasks(ctx, p.VibeProjectID)
		if err != nil {
			return err
		}
		ps.indexTasks(tasks)
	}
	if p.HasRepo() {
		bd := o.beadsFor(p.RepoPath)
		if bd.Available() {
			if issues, err := bd.List(ctx); err == nil {
				ps.bd = bd
				ps.indexBeads(issues)
			}
		}
	}

	err = ps.syncIssue(ctx, hi)
	if err == nil && ps.bd != nil && ps.bdChanged && !cfg.DryRun {
		if cerr := ps.bd.Commit(ctx, commitMessage(projectID, ps.created, ps.updated)); cerr != nil {
			o.log.Warn("beads commit failed", zap.String("project", projectID), zap.Error(cerr))
		}
	}
	o.cache.Invalidate(projectID)
	return err
}

// removeCounterparts propagates a Huly-side deletion outward.
func (o *Orchestrator) removeCounterparts(ctx context.Context, cfg *config.Config, projectID, identifier string) error {
	row, err := o.store.GetIssue(ctx, projectID, identifier)
	if err != nil || row == nil {
		return err
	}
	if cfg.DryRun {
		o.log.Info("dry-run: would remove counterparts", zap.String("issue", row.Key()))
		return nil
	}

	if o.vibe != nil && row.VibeTaskID != "" {
		if err := o.vibe.DeleteTask(ctx, row.VibeTaskID); err != nil {
			return err
		}
	}
	if row.BeadsIssueID != "" {
		p, err := o.store.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if p != nil && p.HasRepo() {
			bd := o.beadsFor(p.RepoPath)
			if bd.Available() {
				if err := bd.Close(ctx, row.BeadsIssueID, "deleted in tracker"); err != nil {
					o.log.Warn("beads close failed", zap.String("issue", row.Key()), zap.Error(err))
				}
			}
		}
	}

	o.cache.Invalidate(projectID)
	return o.store.HardDeleteIssue(ctx, projectID, identifier)
}

// findByTask is the mapping-first lookup for one board event: the project's
// dedupe index when the event names its board, the store otherwise.
func (o *Orchestrator) findByTask(ctx context.Context, boardID, taskID string) (*types.Issue, error) {
	if boardID != "" {
		p, err := o.store.FindProjectByVibeID(ctx, boardID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			idx, err := o.cache.Get(ctx, p.Identifier)
			if err != nil {
				return nil, err
			}
			if row := idx.ByVibeTaskID(taskID); row != nil {
				return row, nil
			}
		}
	}
	return o.store.FindByVibeTaskID(ctx, taskID)
}

// HandleVibeEvent applies one SSE record. Unmapped tasks are left for the
// next cycle's orphan adoption; mapped ones resolve immediately.
func (o *Orchestrator) HandleVibeEvent(ctx context.Context, ev vibe.Event) error {
	cfg := o.cfg.Get()

	switch ev.Kind {
	case vibe.EventDeletedTask:
		row, err := o.findByTask(ctx, ev.ProjectID, ev.TaskID)
		if err != nil || row == nil {
			return err
		}
		if cfg.DryRun || cfg.ReconciliationDryRun {
			o.log.Info("dry-run: would tombstone deleted task", zap.String("issue", row.Key()))
			return nil
		}
		unlock := o.lockProject(row.ProjectID)
		defer unlock()
		o.cache.Invalidate(row.ProjectID)
		if cfg.ReconciliationAction == config.ReconcileHardDelete {
			return o.store.HardDeleteIssue(ctx, row.ProjectID, row.HulyIdentifier)
		}
		return o.store.MarkDeletedFromVibe(ctx, row.ProjectID, row.HulyIdentifier)

	case vibe.EventTask:
		task := ev.Task
		if task == nil {
			var err error
			task, err = o.vibe.GetTask(ctx, ev.TaskID)
			if err != nil || task == nil {
				return err
			}
		}
		row, err := o.findByTask(ctx, ev.ProjectID, task.ID)
		if err != nil || row == nil {
			return err
		}

		unlock := o.lockProject(row.ProjectID)
		defer unlock()
		// Re-read under the lock; a concurrent sync may have advanced the row.
		row, err = o.store.GetIssue(ctx, row.ProjectID, row.HulyIdentifier)
		if err != nil || row == nil {
			return err
		}

		hObs := resolve.Observation{
			Source:     types.SourceHuly,
			Status:     statusmap.HulyToStatus(row.HulyStatus),
			RawStatus:  row.HulyStatus,
			ModifiedAt: row.HulyModifiedAt,
		}
		vObs := resolve.Observation{
			Source:     types.SourceVibe,
			Status:     statusmap.VibeToStatus(task.Status),
			RawStatus:  task.Status,
			ModifiedAt: task.UpdatedAt,
		}
		verdict := resolve.StatusWithRepo(hObs, vObs, row.BeadsStatus == statusmap.BeadsClosed)
		var patched *huly.Issue
		if verdict.Winner == types.SourceVibe && verdict.Changed(hObs.Status) && !cfg.DryRun {
			patched, err = o.huly.PatchIssue(ctx, row.HulyIdentifier, map[string]interface{}{
				"status": statusmap.StatusToHuly(verdict.Status),
			})
			if err != nil {
				return err
			}
			o.countSynced("v_to_h")
		}

		next := &types.Issue{
			ProjectID:      row.ProjectID,
			HulyIdentifier: row.HulyIdentifier,
			Priority:       -1, // retain stored
			Status:         verdict.Status,
			VibeStatus:     task.Status,
			VibeModifiedAt: task.UpdatedAt,
		}
		if patched != nil {
			next.HulyStatus = patched.Status
			next.HulyModifiedAt = patched.ModifiedOn.Time()
		}
		o.cache.Invalidate(row.ProjectID)
		return o.store.UpsertIssue(ctx, next)
	}
	return nil
}
