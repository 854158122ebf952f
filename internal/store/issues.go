package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/dedupe"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

const issueColumns = `
	project_identifier, huly_identifier, title, description, status, priority,
	huly_id, vibe_task_id, beads_issue_id,
	huly_modified_at, vibe_modified_at, beads_modified_at,
	huly_status, vibe_status, beads_status,
	parent_huly_id, parent_vibe_id, parent_beads_id, sub_issue_count,
	deleted_from_vibe, deleted_from_beads, created_at, updated_at`

// GetIssue returns the issue row, or nil when no mapping exists.
func (s *Store) GetIssue(ctx context.Context, projectID, hulyIdentifier string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE project_identifier = ? AND huly_identifier = ?`,
		projectID, hulyIdentifier)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("store.GetIssue", err)
	}
	return issue, nil
}

// UpsertIssue inserts or merges an issue row.
//
// Merge semantics: fields whose incoming value is empty keep their stored
// value, so partial observations from one side never erase what another side
// contributed. Per-source modified timestamps are clamped monotonic: a stale
// observation can never move them backwards. Tombstone flags are untouched;
// they change only through the Mark/Clear methods.
func (s *Store) UpsertIssue(ctx context.Context, in *types.Issue) error {
	if in.ProjectID == "" || in.HulyIdentifier == "" {
		return syncerr.Newf(syncerr.KindValidation, "store.UpsertIssue",
			"issue key incomplete: project=%q identifier=%q", in.ProjectID, in.HulyIdentifier)
	}
	return s.withTx(ctx, "store.UpsertIssue", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+issueColumns+` FROM issues
			 WHERE project_identifier = ? AND huly_identifier = ?`,
			in.ProjectID, in.HulyIdentifier)
		existing, err := scanIssue(row)
		if err != nil && err != sql.ErrNoRows {
			return wrapDBError("store.UpsertIssue", err)
		}

		merged := mergeIssue(existing, in)
		norm := dedupe.Normalize(merged.Title)

		if existing == nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO issues (
					project_identifier, huly_identifier, title, normalized_title,
					description, status, priority,
					huly_id, vibe_task_id, beads_issue_id,
					huly_modified_at, vibe_modified_at, beads_modified_at,
					huly_status, vibe_status, beads_status,
					parent_huly_id, parent_vibe_id, parent_beads_id, sub_issue_count
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				merged.ProjectID, merged.HulyIdentifier, merged.Title, norm,
				merged.Description, string(merged.Status), int(merged.Priority),
				merged.HulyID, merged.VibeTaskID, merged.BeadsIssueID,
				nullTime(merged.HulyModifiedAt), nullTime(merged.VibeModifiedAt), nullTime(merged.BeadsModifiedAt),
				merged.HulyStatus, merged.VibeStatus, merged.BeadsStatus,
				merged.ParentHulyID, merged.ParentVibeID, merged.ParentBeadsID, merged.SubIssueCount)
			return wrapDBError("store.UpsertIssue", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE issues SET
				title = ?, normalized_title = ?, description = ?, status = ?, priority = ?,
				huly_id = ?, vibe_task_id = ?, beads_issue_id = ?,
				huly_modified_at = ?, vibe_modified_at = ?, beads_modified_at = ?,
				huly_status = ?, vibe_status = ?, beads_status = ?,
				parent_huly_id = ?, parent_vibe_id = ?, parent_beads_id = ?,
				sub_issue_count = ?, updated_at = CURRENT_TIMESTAMP
			WHERE project_identifier = ? AND huly_identifier = ?`,
			merged.Title, norm, merged.Description, string(merged.Status), int(merged.Priority),
			merged.HulyID, merged.VibeTaskID, merged.BeadsIssueID,
			nullTime(merged.HulyModifiedAt), nullTime(merged.VibeModifiedAt), nullTime(merged.BeadsModifiedAt),
			merged.HulyStatus, merged.VibeStatus, merged.BeadsStatus,
			merged.ParentHulyID, merged.ParentVibeID, merged.ParentBeadsID,
			merged.SubIssueCount,
			merged.ProjectID, merged.HulyIdentifier)
		return wrapDBError("store.UpsertIssue", err)
	})
}

// mergeIssue applies retain-on-empty merge plus the monotonic clamp.
func mergeIssue(existing, in *types.Issue) *types.Issue {
	if existing == nil {
		out := *in
		if out.Status == "" {
			out.Status = types.StatusOpen
		}
		if !out.Priority.Valid() {
			out.Priority = types.PriorityMedium
		}
		return &out
	}

	out := *existing
	if in.Title != "" {
		out.Title = in.Title
	}
	if in.Description != "" {
		out.Description = in.Description
	}
	if in.Status != "" && in.Status.IsValid() {
		out.Status = in.Status
	}
	if in.Priority.Valid() {
		out.Priority = in.Priority
	}
	if in.HulyID != "" {
		out.HulyID = in.HulyID
	}
	if in.VibeTaskID != "" {
		out.VibeTaskID = in.VibeTaskID
	}
	if in.BeadsIssueID != "" {
		out.BeadsIssueID = in.BeadsIssueID
	}
	if in.HulyStatus != "" {
		out.HulyStatus = in.HulyStatus
	}
	if in.VibeStatus != "" {
		out.VibeStatus = in.VibeStatus
	}
	if in.BeadsStatus != "" {
		out.BeadsStatus = in.BeadsStatus
	}
	if in.ParentHulyID != "" {
		out.ParentHulyID = in.ParentHulyID
	}
	if in.ParentVibeID != "" {
		out.ParentVibeID = in.ParentVibeID
	}
	if in.ParentBeadsID != "" {
		out.ParentBeadsID = in.ParentBeadsID
	}
	if in.SubIssueCount > 0 {
		out.SubIssueCount = in.SubIssueCount
	}
	out.HulyModifiedAt = laterOf(existing.HulyModifiedAt, in.HulyModifiedAt)
	out.VibeModifiedAt = laterOf(existing.VibeModifiedAt, in.VibeModifiedAt)
	out.BeadsModifiedAt = laterOf(existing.BeadsModifiedAt, in.BeadsModifiedAt)
	return &out
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// SetParentRef sets (or clears, with empty value) one side's parent pointer.
// Clearing must be explicit: the upsert merge never erases a parent.
func (s *Store) SetParentRef(ctx context.Context, projectID, hulyIdentifier string, src types.Source, parentID string) error {
	col := map[types.Source]string{
		types.SourceHuly:  "parent_huly_id",
		types.SourceVibe:  "parent_vibe_id",
		types.SourceBeads: "parent_beads_id",
	}[src]
	if col == "" {
		return syncerr.Newf(syncerr.KindValidation, "store.SetParentRef", "unknown source %q", src)
	}
	return s.withTx(ctx, "store.SetParentRef", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE issues SET `+col+` = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE project_identifier = ? AND huly_identifier = ?`,
			parentID, projectID, hulyIdentifier)
		return wrapDBError("store.SetParentRef", err)
	})
}

// MarkDeletedFromVibe sets the sticky vibe tombstone.
func (s *Store) MarkDeletedFromVibe(ctx context.Context, projectID, hulyIdentifier string) error {
	return s.setTombstone(ctx, projectID, hulyIdentifier, "deleted_from_vibe", true)
}

// MarkDeletedFromBeads sets the sticky beads tombstone.
func (s *Store) MarkDeletedFromBeads(ctx context.Context, projectID, hulyIdentifier string) error {
	return s.setTombstone(ctx, projectID, hulyIdentifier, "deleted_from_beads", true)
}

// ClearDeletedFromVibe clears the vibe tombstone after the row is re-observed
// on the vibe side.
func (s *Store) ClearDeletedFromVibe(ctx context.Context, projectID, hulyIdentifier string) error {
	return s.setTombstone(ctx, projectID, hulyIdentifier, "deleted_from_vibe", false)
}

// ClearDeletedFromBeads clears the beads tombstone after re-observation.
func (s *Store) ClearDeletedFromBeads(ctx context.Context, projectID, hulyIdentifier string) error {
	return s.setTombstone(ctx, projectID, hulyIdentifier, "deleted_from_beads", false)
}

func (s *Store) setTombstone(ctx context.Context, projectID, hulyIdentifier, col string, v bool) error {
	return s.withTx(ctx, "store.setTombstone", func(tx *sql.Tx) error {
		val := 0
		if v {
			val = 1
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE issues SET `+col+` = ?, updated_at = CURRENT_TIMESTAMP
			 WHERE project_identifier = ? AND huly_identifier = ?`,
			val, projectID, hulyIdentifier)
		return wrapDBError("store.setTombstone", err)
	})
}

// HardDeleteIssue removes the mapping row entirely.
func (s *Store) HardDeleteIssue(ctx context.Context, projectID, hulyIdentifier string) error {
	return s.withTx(ctx, "store.HardDeleteIssue", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM issues WHERE project_identifier = ? AND huly_identifier = ?`,
			projectID, hulyIdentifier)
		return wrapDBError("store.HardDeleteIssue", err)
	})
}

// CountIssues returns the total number of mapping rows.
func (s *Store) CountIssues(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues`).Scan(&n)
	if err != nil {
		return 0, wrapDBError("store.CountIssues", err)
	}
	return n, nil
}

// GetProjectIssues returns every issue row for the project. This feeds the
// dedupe index build.
func (s *Store) GetProjectIssues(ctx context.Context, projectID string) ([]*types.Issue, error) {
	return s.queryIssues(ctx, "store.GetProjectIssues",
		`SELECT `+issueColumns+` FROM issues
		 WHERE project_identifier = ? ORDER BY huly_identifier`, projectID)
}

// GetIssuesWithVibeID returns rows carrying a vibe task ID, for the
// reconciliation scan.
func (s *Store) GetIssuesWithVibeID(ctx context.Context, projectID string) ([]*types.Issue, error) {
	return s.queryIssues(ctx, "store.GetIssuesWithVibeID",
		`SELECT `+issueColumns+` FROM issues
		 WHERE project_identifier = ? AND vibe_task_id != '' ORDER BY huly_identifier`, projectID)
}

// GetIssuesWithBeadsID returns rows carrying a beads issue ID.
func (s *Store) GetIssuesWithBeadsID(ctx context.Context, projectID string) ([]*types.Issue, error) {
	return s.queryIssues(ctx, "store.GetIssuesWithBeadsID",
		`SELECT `+issueColumns+` FROM issues
		 WHERE project_identifier = ? AND beads_issue_id != '' ORDER BY huly_identifier`, projectID)
}

// FindByNormalizedTitle returns the row whose normalized title matches, or
// nil. The same normalization is applied to the argument.
func (s *Store) FindByNormalizedTitle(ctx context.Context, projectID, title string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE project_identifier = ? AND normalized_title = ?
		 ORDER BY huly_identifier LIMIT 1`,
		projectID, dedupe.Normalize(title))
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("store.FindByNormalizedTitle", err)
	}
	return issue, nil
}

// FindByVibeTaskID returns the row mapped to the vibe task UUID, or nil.
// Task UUIDs are globally unique, so no project scope is needed.
func (s *Store) FindByVibeTaskID(ctx context.Context, taskID string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE vibe_task_id = ? LIMIT 1`, taskID)
	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("store.FindByVibeTaskID", err)
	}
	return issue, nil
}

func (s *Store) queryIssues(ctx context.Context, op, query string, args ...interface{}) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError(op, err)
	}
	defer rows.Close()

	var out []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, wrapDBError(op, err)
		}
		out = append(out, issue)
	}
	return out, wrapDBError(op, rows.Err())
}

func scanIssue(r rowScanner) (*types.Issue, error) {
	var i types.Issue
	var status string
	var priority int
	var hulyMod, vibeMod, beadsMod sql.NullTime
	var delVibe, delBeads int
	err := r.Scan(
		&i.ProjectID, &i.HulyIdentifier, &i.Title, &i.Description, &status, &priority,
		&i.HulyID, &i.VibeTaskID, &i.BeadsIssueID,
		&hulyMod, &vibeMod, &beadsMod,
		&i.HulyStatus, &i.VibeStatus, &i.BeadsStatus,
		&i.ParentHulyID, &i.ParentVibeID, &i.ParentBeadsID, &i.SubIssueCount,
		&delVibe, &delBeads, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	i.Status = types.Status(status)
	i.Priority = types.Priority(priority)
	if hulyMod.Valid {
		i.HulyModifiedAt = hulyMod.Time
	}
	if vibeMod.Valid {
		i.VibeModifiedAt = vibeMod.Time
	}
	if beadsMod.Valid {
		i.BeadsModifiedAt = beadsMod.Time
	}
	i.DeletedFromVibe = delVibe != 0
	i.DeletedFromBeads = delBeads != 0
	return &i, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
