package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/beads"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/config"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/dedupe"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/huly"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/resolve"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/statusmap"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/vibe"
)

// projectSync carries the working state for one project inside one cycle.
type projectSync struct {
	o   *Orchestrator
	cfg *config.Config
	p   *types.Project
	res *types.CycleResult

	tasksByID    map[string]*vibe.Task
	tasksByTitle map[string]*vibe.Task // normalized title → task

	bd        BeadsClient // nil when the beads side is off this round
	bdByID    map[string]*beads.Issue
	bdByHKey  map[string]*beads.Issue // "h:" backlink label → issue
	bdByTitle map[string]*beads.Issue
	bdChanged bool

	created int
	updated int
}

// syncProject mirrors one project across the three systems. Per-issue
// failures are counted and skipped; beads-side infrastructure failures turn
// that direction off for the round instead of failing the project.
func (o *Orchestrator) syncProject(ctx context.Context, cfg *config.Config, p *types.Project, hIssues []huly.Issue, res *types.CycleResult) error {
	unlock := o.lockProject(p.Identifier)
	defer unlock()
	ps := &projectSync{o: o, cfg: cfg, p: p, res: res}

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
			issues, err := bd.List(ctx)
			if err != nil {
				// Beads failures are non-fatal by policy.
				o.log.Warn("beads list failed, skipping beads side",
					zap.String("project", p.Identifier), zap.Error(err))
			} else {
				ps.bd = bd
				ps.indexBeads(issues)
			}
		}
	}

	ordered := topoSort(hIssues)
	for _, batch := range batches(ordered, cfg.BatchSize) {
		for i := range batch {
			if err := ps.syncIssue(ctx, &batch[i]); err != nil {
				res.Errors++
				o.log.Warn("issue sync failed",
					zap.String("issue", batch[i].Identifier), zap.Error(err))
				continue
			}
			res.IssuesSynced++
		}
	}

	if err := ps.adoptVibeOrphans(ctx); err != nil {
		return err
	}
	ps.adoptBeadsOrphans(ctx)
	if err := ps.reconcileDeleted(ctx); err != nil {
		return err
	}
	if err := ps.linkParents(ctx); err != nil {
		return err
	}

	if ps.bd != nil && ps.bdChanged && !cfg.DryRun {
		if err := ps.bd.Commit(ctx, commitMessage(p.Identifier, ps.created, ps.updated)); err != nil {
			o.log.Warn("beads commit failed", zap.String("project", p.Identifier), zap.Error(err))
		}
	}

	if o.snapshot != nil && ps.tasksByID != nil && !cfg.DryRun {
		tasks := make([]vibe.Task, 0, len(ps.tasksByID))
		for _, t := range ps.tasksByID {
			tasks = append(tasks, *t)
		}
		if err := o.snapshot.PostSnapshot(ctx, p.Identifier, tasks); err != nil {
			o.log.Debug("board snapshot post failed",
				zap.String("project", p.Identifier), zap.Error(err))
		}
	}

	res.Created += ps.created
	res.Updated += ps.updated
	return o.store.TouchProjectSync(ctx, p.Identifier, time.Now())
}

func (ps *projectSync) indexTasks(tasks []vibe.Task) {
	ps.tasksByID = make(map[string]*vibe.Task, len(tasks))
	ps.tasksByTitle = make(map[string]*vibe.Task, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		ps.tasksByID[t.ID] = t
		if key := dedupe.Normalize(t.Title); key != "" {
			if _, ok := ps.tasksByTitle[key]; !ok {
				ps.tasksByTitle[key] = t
			}
		}
	}
}

func (ps *projectSync) indexBeads(issues []beads.Issue) {
	ps.bdByID = make(map[string]*beads.Issue, len(issues))
	ps.bdByHKey = make(map[string]*beads.Issue, len(issues))
	ps.bdByTitle = make(map[string]*beads.Issue, len(issues))
	for i := range issues {
		b := &issues[i]
		ps.bdByID[b.ID] = b
		for _, l := range b.Labels {
			if key, ok := strings.CutPrefix(l, "h:"); ok && key != "" {
				ps.bdByHKey[key] = b
			}
		}
		if key := dedupe.Normalize(b.Title); key != "" {
			if _, ok := ps.bdByTitle[key]; !ok {
				ps.bdByTitle[key] = b
			}
		}
	}
}

// syncIssue folds one Huly issue into the mapping store and pushes it out to
// the counterpart systems.
func (ps *projectSync) syncIssue(ctx context.Context, hi *huly.Issue) error {
	prev, err := ps.o.store.GetIssue(ctx, ps.p.Identifier, hi.Identifier)
	if err != nil {
		return err
	}

	status := statusmap.HulyToStatus(hi.Status)
	row := &types.Issue{
		ProjectID:      ps.p.Identifier,
		HulyIdentifier: hi.Identifier,
		Title:          hi.Title,
		Description:    hi.Description,
		Status:         status,
		Priority:       statusmap.HulyToPriority(hi.Priority),
		HulyID:         hi.ID,
		HulyStatus:     hi.Status,
		HulyModifiedAt: hi.ModifiedOn.Time(),
		SubIssueCount:  hi.SubIssues,
	}
	if err := ps.o.store.UpsertIssue(ctx, row); err != nil {
		return err
	}
	if hi.ParentIssue != "" {
		if err := ps.o.store.SetParentRef(ctx, ps.p.Identifier, hi.Identifier,
			types.SourceHuly, hi.ParentIssue); err != nil {
			return err
		}
	}

	if ps.o.onReview != nil && status == types.StatusInReview &&
		(prev == nil || prev.Status != types.StatusInReview) {
		ps.o.onReview(types.ReviewRequest{
			ProjectID:      ps.p.Identifier,
			HulyIdentifier: hi.Identifier,
			Title:          hi.Title,
			EnteredAt:      time.Now(),
		})
	}

	row, err = ps.o.store.GetIssue(ctx, ps.p.Identifier, hi.Identifier)
	if err != nil {
		return err
	}

	if err := ps.syncToVibe(ctx, hi, row); err != nil {
		return err
	}
	// Re-read so a task created just above is visible to the beads side
	// (the vibe backlink label needs the task ID).
	row, err = ps.o.store.GetIssue(ctx, ps.p.Identifier, hi.Identifier)
	if err != nil {
		return err
	}
	ps.syncToBeads(ctx, hi, row)
	return nil
}

// backlink appends the cross-reference footer carried on counterpart
// descriptions. ref names the source system and its key, e.g. "Huly PROJ-7".
func backlink(description, ref, id string) string {
	footer := "---\n" + ref + ": " + id
	if description == "" {
		return footer
	}
	return description + "\n\n" + footer
}

// syncToVibe pushes one issue into the kanban board and folds board-side
// changes back under the conflict rules.
func (ps *projectSync) syncToVibe(ctx context.Context, hi *huly.Issue, row *types.Issue) error {
	if ps.tasksByID == nil {
		return nil
	}

	hObs := resolve.Observation{
		Source:     types.SourceHuly,
		Status:     statusmap.HulyToStatus(hi.Status),
		RawStatus:  hi.Status,
		Priority:   statusmap.HulyToPriority(hi.Priority),
		ModifiedAt: hi.ModifiedOn.Time(),
	}

	task := ps.tasksByID[row.VibeTaskID]
	if task == nil {
		// Tombstone revival: a board task with the same title means the
		// record is back on that side.
		if t := ps.tasksByTitle[dedupe.Normalize(hi.Title)]; t != nil {
			if row.DeletedFromVibe {
				if err := ps.o.store.ClearDeletedFromVibe(ctx, row.ProjectID, row.HulyIdentifier); err != nil {
					return err
				}
			}
			task = t
		}
	}

	if task == nil {
		if row.VibeTaskID != "" {
			// Mapped but gone from the board: that is a deletion, handled by
			// the reconciliation pass. Never recreate here.
			return nil
		}
		if resolve.CreationBlocked(row, types.SourceVibe) {
			ps.res.Skipped++
			return nil
		}
		if hObs.Status.IsTerminal() {
			ps.res.Skipped++
			return nil
		}
		if ps.o.dryRun(ps.cfg, ps.res, "create task",
			zap.String("issue", hi.Identifier), zap.String("title", hi.Title)) {
			return nil
		}
		prio := int(hObs.Priority)
		created, err := ps.o.vibe.CreateTask(ctx, ps.p.VibeProjectID, vibe.TaskPayload{
			Title:       hi.Title,
			Description: backlink(hi.Description, "Huly "+hi.Identifier, hi.ID),
			Status:      statusmap.StatusToVibe(hObs.Status),
			Priority:    &prio,
			AgentID:     ps.p.AgentID,
		})
		if err != nil {
			return err
		}
		ps.created++
		ps.o.countSynced("h_to_v")
		ps.tasksByID[created.ID] = created
		return ps.o.store.UpsertIssue(ctx, &types.Issue{
			ProjectID:      row.ProjectID,
			HulyIdentifier: row.HulyIdentifier,
			Priority:       -1, // retain stored
			VibeTaskID:     created.ID,
			VibeStatus:     created.Status,
			VibeModifiedAt: created.UpdatedAt,
		})
	}

	// Mapped both sides: resolve field by field.
	vObs := resolve.Observation{
		Source:     types.SourceVibe,
		Status:     statusmap.VibeToStatus(task.Status),
		RawStatus:  task.Status,
		Priority:   types.Priority(task.Priority),
		ModifiedAt: task.UpdatedAt,
	}

	fields := map[string]interface{}{}
	if task.Title != hi.Title {
		// Titles are uncontested; Huly owns them.
		fields["title"] = hi.Title
	}

	verdict := resolve.StatusWithRepo(hObs, vObs, row.BeadsStatus == statusmap.BeadsClosed)
	if verdict.Winner != types.SourceVibe && vObs.Status != verdict.Status {
		fields["status"] = statusmap.StatusToVibe(verdict.Status)
	}
	prio, pwinner := resolve.Priority(hObs, vObs)
	if pwinner == types.SourceHuly && vObs.Priority != prio {
		fields["priority"] = int(prio)
	}

	if len(fields) > 0 {
		if !ps.o.dryRun(ps.cfg, ps.res, "update task",
			zap.String("task", task.ID), zap.Any("fields", fields)) {
			if _, err := ps.o.vibe.UpdateTask(ctx, task.ID, fields); err != nil {
				return err
			}
			ps.updated++
			ps.o.countSynced("h_to_v")
		}
	}

	var patched *huly.Issue
	if verdict.Winner == types.SourceVibe && hObs.Status != verdict.Status {
		if !ps.o.dryRun(ps.cfg, ps.res, "update issue from board",
			zap.String("issue", hi.Identifier), zap.String("status", string(verdict.Status))) {
			var err error
			patched, err = ps.o.huly.PatchIssue(ctx, hi.Identifier, map[string]interface{}{
				"status": statusmap.StatusToHuly(verdict.Status),
			})
			if err != nil {
				return err
			}
			ps.updated++
			ps.o.countSynced("v_to_h")
		}
	}
	if pwinner == types.SourceVibe && hObs.Priority != prio {
		if !ps.o.dryRun(ps.cfg, ps.res, "update issue priority from board",
			zap.String("issue", hi.Identifier)) {
			if _, err := ps.o.huly.PatchIssue(ctx, hi.Identifier, map[string]interface{}{
				"priority": statusmap.PriorityToHuly(prio),
			}); err != nil {
				return err
			}
			ps.updated++
			ps.o.countSynced("v_to_h")
		}
	}

	next := &types.Issue{
		ProjectID:      row.ProjectID,
		HulyIdentifier: row.HulyIdentifier,
		Priority:       -1, // retain stored
		VibeTaskID:     task.ID,
		VibeStatus:     task.Status,
		VibeModifiedAt: task.UpdatedAt,
		Status:         verdict.Status,
	}
	if patched != nil {
		// Record the engine's own write so later event handling resolves
		// against the fresh tracker status, not the pre-patch one.
		next.HulyStatus = patched.Status
		next.HulyModifiedAt = patched.ModifiedOn.Time()
	}
	return ps.o.store.UpsertIssue(ctx, next)
}

// labelBeads attaches the cross-system backlink labels. Best effort.
func (ps *projectSync) labelBeads(ctx context.Context, beadsID, identifier, vibeTaskID string) {
	if err := ps.bd.Label(ctx, beadsID, "h:"+identifier); err != nil {
		ps.o.log.Debug("beads label failed", zap.String("beads_id", beadsID), zap.Error(err))
	} else {
		ps.bdChanged = true
	}
	if vibeTaskID != "" {
		if err := ps.bd.Label(ctx, beadsID, "vibe:"+vibeTaskID); err != nil {
			ps.o.log.Debug("beads label failed", zap.String("beads_id", beadsID), zap.Error(err))
		} else {
			ps.bdChanged = true
		}
	}
}

// syncToBeads pushes one issue into the repo tracker. All failures here are
// logged and counted, never returned: the beads side must not block the
// Huly/Vibe pair.
func (ps *projectSync) syncToBeads(ctx context.Context, hi *huly.Issue, row *types.Issue) {
	if ps.bd == nil {
		return
	}
	if err := ps.syncToBeadsInner(ctx, hi, row); err != nil {
		ps.res.Errors++
		ps.o.log.Warn("beads sync failed",
			zap.String("issue", hi.Identifier), zap.Error(err))
	}
}

func (ps *projectSync) syncToBeadsInner(ctx context.Context, hi *huly.Issue, row *types.Issue) error {
	hObs := resolve.Observation{
		Source:     types.SourceHuly,
		Status:     statusmap.HulyToStatus(hi.Status),
		RawStatus:  hi.Status,
		Priority:   statusmap.HulyToPriority(hi.Priority),
		ModifiedAt: hi.ModifiedOn.Time(),
	}

	// Find chain: stored mapping, then the "h:" backlink label, then
	// normalized title. The label survives a repo re-import that reissues
	// bd IDs; title is the last resort.
	bi := ps.bdByID[row.BeadsIssueID]
	if bi == nil {
		bi = ps.bdByHKey[hi.Identifier]
		if bi == nil {
			bi = ps.bdByTitle[dedupe.Normalize(hi.Title)]
		}
		if bi != nil && row.DeletedFromBeads {
			if err := ps.o.store.ClearDeletedFromBeads(ctx, row.ProjectID, row.HulyIdentifier); err != nil {
				return err
			}
		}
	}

	if bi == nil {
		if row.BeadsIssueID != "" {
			// Deletion pending reconciliation.
			return nil
		}
		if resolve.CreationBlocked(row, types.SourceBeads) || hObs.Status.IsTerminal() {
			ps.res.Skipped++
			return nil
		}
		if ps.o.dryRun(ps.cfg, ps.res, "create beads issue",
			zap.String("issue", hi.Identifier)) {
			return nil
		}
		created, err := ps.bd.Create(ctx, hi.Title,
			backlink(hi.Description, "Huly "+hi.Identifier, hi.ID),
			statusmap.PriorityToBeads(hObs.Priority))
		if err != nil {
			return err
		}
		ps.created++
		ps.o.countSynced("h_to_b")
		ps.bdChanged = true
		ps.bdByID[created.ID] = created
		ps.labelBeads(ctx, created.ID, hi.Identifier, row.VibeTaskID)
		return ps.o.store.UpsertIssue(ctx, &types.Issue{
			ProjectID:       row.ProjectID,
			HulyIdentifier:  row.HulyIdentifier,
			Priority:        -1, // retain stored
			BeadsIssueID:    created.ID,
			BeadsStatus:     created.Status,
			BeadsModifiedAt: created.Updated,
		})
	}

	bObs := resolve.Observation{
		Source:     types.SourceBeads,
		Status:     statusmap.BeadsToStatus(bi.Status),
		RawStatus:  bi.Status,
		Priority:   statusmap.BeadsToPriority(bi.Priority),
		ModifiedAt: bi.Updated,
	}

	verdict := resolve.Status(hObs, bObs)
	var patched *huly.Issue
	switch verdict.Winner {
	case types.SourceHuly:
		if bObs.Status != verdict.Status && !bObs.Status.IsTerminal() {
			if !ps.o.dryRun(ps.cfg, ps.res, "update beads issue",
				zap.String("beads_id", bi.ID), zap.String("status", string(verdict.Status))) {
				if verdict.Status.IsTerminal() {
					if err := ps.bd.Close(ctx, bi.ID, "closed in tracker"); err != nil {
						return err
					}
				} else if err := ps.bd.Update(ctx, bi.ID, map[string]string{
					"status": statusmap.StatusToBeads(verdict.Status),
				}); err != nil {
					return err
				}
				ps.updated++
				ps.o.countSynced("h_to_b")
				ps.bdChanged = true
			}
		}
	case types.SourceBeads:
		if hObs.Status != verdict.Status {
			if !ps.o.dryRun(ps.cfg, ps.res, "update issue from repo",
				zap.String("issue", hi.Identifier), zap.String("status", string(verdict.Status))) {
				var err error
				patched, err = ps.o.huly.PatchIssue(ctx, hi.Identifier, map[string]interface{}{
					"status": statusmap.StatusToHuly(verdict.Status),
				})
				if err != nil {
					return err
				}
				ps.updated++
				ps.o.countSynced("b_to_h")
			}
		}
	}

	next := &types.Issue{
		ProjectID:       row.ProjectID,
		HulyIdentifier:  row.HulyIdentifier,
		Priority:        -1, // retain stored
		BeadsIssueID:    bi.ID,
		BeadsStatus:     bi.Status,
		BeadsModifiedAt: bi.Updated,
		Status:          verdict.Status,
	}
	if patched != nil {
		// Record the engine's own write; stale board events must resolve
		// against the post-patch tracker status.
		next.HulyStatus = patched.Status
		next.HulyModifiedAt = patched.ModifiedOn.Time()
	}
	return ps.o.store.UpsertIssue(ctx, next)
}
