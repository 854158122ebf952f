package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/config"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/huly"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/statusmap"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

// adoptVibeOrphans creates Huly issues for board tasks that have no mapping
// and no title match. Work started on the board flows back into the tracker.
// Lookups run through the dedupe index; every adoption invalidates it so the
// next task in the loop sees the new mapping instead of creating a twin.
func (ps *projectSync) adoptVibeOrphans(ctx context.Context) error {
	if ps.tasksByID == nil {
		return nil
	}
	for _, task := range ps.tasksByID {
		idx, err := ps.o.cache.Get(ctx, ps.p.Identifier)
		if err != nil {
			return err
		}
		if idx.ByVibeTaskID(task.ID) != nil {
			continue
		}
		if row := idx.ByTitle(task.Title); row != nil {
			// Title match: adopt the mapping instead of creating a twin.
			err = ps.o.store.UpsertIssue(ctx, &types.Issue{
				ProjectID:      row.ProjectID,
				HulyIdentifier: row.HulyIdentifier,
				Priority:       -1, // retain stored
				VibeTaskID:     task.ID,
				VibeStatus:     task.Status,
				VibeModifiedAt: task.UpdatedAt,
			})
			if err != nil {
				return err
			}
			ps.o.cache.Invalidate(ps.p.Identifier)
			continue
		}

		status := statusmap.VibeToStatus(task.Status)
		if status.IsTerminal() {
			ps.res.Skipped++
			continue
		}
		if existing, err := ps.o.huly.FindByTitle(ctx, ps.p.Identifier, task.Title); err == nil && existing != nil {
			// Last step of the find chain: the tracker already carries the
			// issue under a title the mapping store has never seen.
			if err := ps.adoptExistingIssue(ctx, existing, &types.Issue{
				VibeTaskID:     task.ID,
				VibeStatus:     task.Status,
				VibeModifiedAt: task.UpdatedAt,
			}); err != nil {
				return err
			}
			continue
		}
		if ps.o.dryRun(ps.cfg, ps.res, "create issue from task",
			zap.String("task", task.ID), zap.String("title", task.Title)) {
			continue
		}
		created, err := ps.o.huly.CreateIssue(ctx, ps.p.Identifier, huly.CreatePayload{
			Title:       task.Title,
			Description: backlink(task.Description, "Vibe "+task.ID, task.ID),
			Status:      statusmap.StatusToHuly(status),
			Priority:    statusmap.PriorityToHuly(types.Priority(task.Priority)),
		})
		if err != nil {
			ps.res.Errors++
			ps.o.log.Warn("issue creation from task failed",
				zap.String("task", task.ID), zap.Error(err))
			continue
		}
		ps.created++
		ps.o.countSynced("v_to_h")
		err = ps.o.store.UpsertIssue(ctx, &types.Issue{
			ProjectID:      ps.p.Identifier,
			HulyIdentifier: created.Identifier,
			Title:          created.Title,
			Description:    created.Description,
			Status:         status,
			Priority:       types.Priority(task.Priority),
			HulyID:         created.ID,
			HulyStatus:     created.Status,
			HulyModifiedAt: created.ModifiedOn.Time(),
			VibeTaskID:     task.ID,
			VibeStatus:     task.Status,
			VibeModifiedAt: task.UpdatedAt,
		})
		if err != nil {
			return err
		}
		ps.o.cache.Invalidate(ps.p.Identifier)
	}
	return nil
}

// adoptExistingIssue binds a counterpart record to an issue found in the
// tracker by title search, merging the counterpart cross-IDs into a fresh
// mapping row.
func (ps *projectSync) adoptExistingIssue(ctx context.Context, hi *huly.Issue, cross *types.Issue) error {
	row := &types.Issue{
		ProjectID:       ps.p.Identifier,
		HulyIdentifier:  hi.Identifier,
		Title:           hi.Title,
		Description:     hi.Description,
		Status:          statusmap.HulyToStatus(hi.Status),
		Priority:        statusmap.HulyToPriority(hi.Priority),
		HulyID:          hi.ID,
		HulyStatus:      hi.Status,
		HulyModifiedAt:  hi.ModifiedOn.Time(),
		VibeTaskID:      cross.VibeTaskID,
		VibeStatus:      cross.VibeStatus,
		VibeModifiedAt:  cross.VibeModifiedAt,
		BeadsIssueID:    cross.BeadsIssueID,
		BeadsStatus:     cross.BeadsStatus,
		BeadsModifiedAt: cross.BeadsModifiedAt,
	}
	if err := ps.o.store.UpsertIssue(ctx, row); err != nil {
		return err
	}
	ps.o.cache.Invalidate(ps.p.Identifier)
	return nil
}

// adoptBeadsOrphans creates Huly issues for repo issues with no mapping and
// no title match. Failures are non-fatal per the beads policy.
func (ps *projectSync) adoptBeadsOrphans(ctx context.Context) {
	if ps.bd == nil {
		return
	}
	for _, bi := range ps.bdByID {
		idx, err := ps.o.cache.Get(ctx, ps.p.Identifier)
		if err != nil {
			ps.res.Errors++
			ps.o.log.Warn("beads orphan lookup failed", zap.String("beads_id", bi.ID), zap.Error(err))
			continue
		}
		if idx.ByBeadsID(bi.ID) != nil {
			continue
		}
		if row := idx.ByTitle(bi.Title); row != nil {
			if row.BeadsIssueID == "" {
				_ = ps.o.store.UpsertIssue(ctx, &types.Issue{
					ProjectID:       row.ProjectID,
					HulyIdentifier:  row.HulyIdentifier,
					Priority:        -1, // retain stored
					BeadsIssueID:    bi.ID,
					BeadsStatus:     bi.Status,
					BeadsModifiedAt: bi.Updated,
				})
				ps.labelBeads(ctx, bi.ID, row.HulyIdentifier, row.VibeTaskID)
				ps.o.cache.Invalidate(ps.p.Identifier)
			}
			continue
		}

		status := statusmap.BeadsToStatus(bi.Status)
		if status.IsTerminal() {
			ps.res.Skipped++
			continue
		}
		if existing, err := ps.o.huly.FindByTitle(ctx, ps.p.Identifier, bi.Title); err == nil && existing != nil {
			if err := ps.adoptExistingIssue(ctx, existing, &types.Issue{
				BeadsIssueID:    bi.ID,
				BeadsStatus:     bi.Status,
				BeadsModifiedAt: bi.Updated,
			}); err != nil {
				ps.res.Errors++
				ps.o.log.Warn("mapping write failed", zap.String("beads_id", bi.ID), zap.Error(err))
				continue
			}
			ps.labelBeads(ctx, bi.ID, existing.Identifier, "")
			continue
		}
		if ps.o.dryRun(ps.cfg, ps.res, "create issue from beads",
			zap.String("beads_id", bi.ID), zap.String("title", bi.Title)) {
			continue
		}
		created, err := ps.o.huly.CreateIssue(ctx, ps.p.Identifier, huly.CreatePayload{
			Title:       bi.Title,
			Description: backlink(bi.Description, "Beads "+bi.ID, bi.ID),
			Status:      statusmap.StatusToHuly(status),
			Priority:    statusmap.PriorityToHuly(statusmap.BeadsToPriority(bi.Priority)),
		})
		if err != nil {
			ps.res.Errors++
			ps.o.log.Warn("issue creation from beads failed",
				zap.String("beads_id", bi.ID), zap.Error(err))
			continue
		}
		ps.created++
		ps.o.countSynced("b_to_h")
		if err := ps.o.store.UpsertIssue(ctx, &types.Issue{
			ProjectID:       ps.p.Identifier,
			HulyIdentifier:  created.Identifier,
			Title:           created.Title,
			Description:     created.Description,
			Status:          status,
			Priority:        statusmap.BeadsToPriority(bi.Priority),
			HulyID:          created.ID,
			HulyStatus:      created.Status,
			HulyModifiedAt:  created.ModifiedOn.Time(),
			BeadsIssueID:    bi.ID,
			BeadsStatus:     bi.Status,
			BeadsModifiedAt: bi.Updated,
		}); err != nil {
			ps.res.Errors++
			ps.o.log.Warn("mapping write failed", zap.String("beads_id", bi.ID), zap.Error(err))
			continue
		}
		// The repo side carries the reverse link as a label.
		ps.labelBeads(ctx, bi.ID, created.Identifier, "")
		ps.o.cache.Invalidate(ps.p.Identifier)
	}
}

// reconcileDeleted handles mapping rows whose counterpart record has
// disappeared: tombstone by default, row removal under hard_delete.
func (ps *projectSync) reconcileDeleted(ctx context.Context) error {
	if ps.tasksByID != nil {
		rows, err := ps.o.store.GetIssuesWithVibeID(ctx, ps.p.Identifier)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if _, ok := ps.tasksByID[row.VibeTaskID]; ok || row.DeletedFromVibe {
				continue
			}
			if err := ps.reconcileOne(ctx, row, types.SourceVibe); err != nil {
				return err
			}
		}
	}

	if ps.bd != nil {
		rows, err := ps.o.store.GetIssuesWithBeadsID(ctx, ps.p.Identifier)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if _, ok := ps.bdByID[row.BeadsIssueID]; ok || row.DeletedFromBeads {
				continue
			}
			if err := ps.reconcileOne(ctx, row, types.SourceBeads); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ps *projectSync) reconcileOne(ctx context.Context, row *types.Issue, side types.Source) error {
	if ps.cfg.ReconciliationDryRun || ps.cfg.DryRun {
		ps.o.log.Info("dry-run: would reconcile deleted counterpart",
			zap.String("issue", row.Key()), zap.String("side", string(side)),
			zap.String("action", string(ps.cfg.ReconciliationAction)))
		ps.res.Skipped++
		return nil
	}

	ps.o.log.Info("counterpart deleted",
		zap.String("issue", row.Key()), zap.String("side", string(side)),
		zap.String("action", string(ps.cfg.ReconciliationAction)))

	if ps.cfg.ReconciliationAction == config.ReconcileHardDelete {
		return ps.o.store.HardDeleteIssue(ctx, row.ProjectID, row.HulyIdentifier)
	}
	switch side {
	case types.SourceVibe:
		return ps.o.store.MarkDeletedFromVibe(ctx, row.ProjectID, row.HulyIdentifier)
	case types.SourceBeads:
		return ps.o.store.MarkDeletedFromBeads(ctx, row.ProjectID, row.HulyIdentifier)
	}
	return nil
}

// linkParents mirrors Huly parent relationships onto the counterpart
// records, now that every creation this cycle has a cross-ID.
func (ps *projectSync) linkParents(ctx context.Context) error {
	rows, err := ps.o.store.GetProjectIssues(ctx, ps.p.Identifier)
	if err != nil {
		return err
	}
	byIdentifier := make(map[string]*types.Issue, len(rows))
	for _, row := range rows {
		byIdentifier[row.HulyIdentifier] = row
	}

	for _, row := range rows {
		if row.ParentHulyID == "" {
			continue
		}
		parent := byIdentifier[row.ParentHulyID]
		if parent == nil {
			continue
		}

		if ps.tasksByID != nil && row.VibeTaskID != "" && parent.VibeTaskID != "" &&
			row.ParentVibeID != parent.VibeTaskID {
			if !ps.o.dryRun(ps.cfg, ps.res, "link task parent",
				zap.String("task", row.VibeTaskID), zap.String("parent", parent.VibeTaskID)) {
				if _, err := ps.o.vibe.UpdateTask(ctx, row.VibeTaskID, map[string]interface{}{
					"parent_id": parent.VibeTaskID,
				}); err != nil {
					ps.res.Errors++
					ps.o.log.Warn("task parent link failed", zap.String("issue", row.Key()), zap.Error(err))
				} else if err := ps.o.store.SetParentRef(ctx, row.ProjectID, row.HulyIdentifier,
					types.SourceVibe, parent.VibeTaskID); err != nil {
					return err
				}
			}
		}

		if ps.bd != nil && row.BeadsIssueID != "" && parent.BeadsIssueID != "" &&
			row.ParentBeadsID != parent.BeadsIssueID {
			if !ps.o.dryRun(ps.cfg, ps.res, "link beads parent",
				zap.String("beads_id", row.BeadsIssueID), zap.String("parent", parent.BeadsIssueID)) {
				if err := ps.bd.Update(ctx, row.BeadsIssueID, map[string]string{
					"parent": parent.BeadsIssueID,
				}); err != nil {
					ps.res.Errors++
					ps.o.log.Warn("beads parent link failed", zap.String("issue", row.Key()), zap.Error(err))
				} else {
					ps.bdChanged = true
					if err := ps.o.store.SetParentRef(ctx, row.ProjectID, row.HulyIdentifier,
						types.SourceBeads, parent.BeadsIssueID); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
