package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

// UpsertProject inserts or updates a project row. Optional fields (repo
// path, vibe project, agent) keep their stored value when the incoming value
// is empty, so a webhook-driven upsert cannot erase configuration discovered
// on a previous full scan.
func (s *Store) UpsertProject(ctx context.Context, p *types.Project) error {
	return s.withTx(ctx, "store.UpsertProject", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projects (identifier, name, repo_path, vibe_project_id, agent_id, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(identifier) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE projects.name END,
				repo_path = CASE WHEN excluded.repo_path != '' THEN excluded.repo_path ELSE projects.repo_path END,
				vibe_project_id = CASE WHEN excluded.vibe_project_id != '' THEN excluded.vibe_project_id ELSE projects.vibe_project_id END,
				agent_id = CASE WHEN excluded.agent_id != '' THEN excluded.agent_id ELSE projects.agent_id END,
				updated_at = CURRENT_TIMESTAMP`,
			p.Identifier, p.Name, p.RepoPath, p.VibeProjectID, p.AgentID)
		return wrapDBError("store.UpsertProject", err)
	})
}

// GetProject returns the project row, or nil when unknown.
func (s *Store) GetProject(ctx context.Context, identifier string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identifier, name, repo_path, vibe_project_id, agent_id,
		       last_sync_at, created_at, updated_at
		FROM projects WHERE identifier = ?`, identifier)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("store.GetProject", err)
	}
	return p, nil
}

// ListProjects returns all known projects ordered by identifier.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, name, repo_path, vibe_project_id, agent_id,
		       last_sync_at, created_at, updated_at
		FROM projects ORDER BY identifier`)
	if err != nil {
		return nil, wrapDBError("store.ListProjects", err)
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, wrapDBError("store.ListProjects", err)
		}
		out = append(out, p)
	}
	return out, wrapDBError("store.ListProjects", rows.Err())
}

// FindProjectByVibeID returns the project mapped to the given board, or nil
// when no project carries that board.
func (s *Store) FindProjectByVibeID(ctx context.Context, vibeProjectID string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT identifier, name, repo_path, vibe_project_id, agent_id,
		       last_sync_at, created_at, updated_at
		FROM projects WHERE vibe_project_id = ?`, vibeProjectID)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("store.FindProjectByVibeID", err)
	}
	return p, nil
}

// TouchProjectSync records the completion time of a sync cycle for the
// project. Used as the incremental `since` cursor on the next pass.
func (s *Store) TouchProjectSync(ctx context.Context, identifier string, at time.Time) error {
	return s.withTx(ctx, "store.TouchProjectSync", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE projects SET last_sync_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE identifier = ?`, at.UTC(), identifier)
		return wrapDBError("store.TouchProjectSync", err)
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(r rowScanner) (*types.Project, error) {
	var p types.Project
	var lastSync sql.NullTime
	err := r.Scan(&p.Identifier, &p.Name, &p.RepoPath, &p.VibeProjectID,
		&p.AgentID, &lastSync, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastSync.Valid {
		t := lastSync.Time
		p.LastSyncAt = &t
	}
	return &p, nil
}
