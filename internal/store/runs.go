package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
)

// RunState is the lifecycle state of a workflow run row.
type RunState string

const (
	RunRunning          RunState = "running"
	RunCompleted        RunState = "completed"
	RunFailed           RunState = "failed"
	RunCancelled        RunState = "cancelled"
	RunContinuedAsNew   RunState = "continued_as_new"
)

// WorkflowRun is one durable workflow execution record. The workflow engine
// persists these so crash recovery and the admin surface can see history.
type WorkflowRun struct {
	RunID         string
	WorkflowID    string
	WorkflowType  string
	TaskQueue     string
	State         RunState
	Input         string
	Error         string
	Steps         int
	ContinuedFrom string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// InsertRun records the start of a workflow run.
func (s *Store) InsertRun(ctx context.Context, run *WorkflowRun) error {
	if run.RunID == "" || run.WorkflowID == "" {
		return syncerr.Newf(syncerr.KindValidation, "store.InsertRun",
			"run incomplete: run_id=%q workflow_id=%q", run.RunID, run.WorkflowID)
	}
	return s.withTx(ctx, "store.InsertRun", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs
				(run_id, workflow_id, workflow_type, task_queue, state, input, continued_from)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.RunID, run.WorkflowID, run.WorkflowType, run.TaskQueue,
			string(RunRunning), run.Input, run.ContinuedFrom)
		return wrapDBError("store.InsertRun", err)
	})
}

// FinishRun records the terminal state of a run.
func (s *Store) FinishRun(ctx context.Context, runID string, state RunState, steps int, runErr string) error {
	return s.withTx(ctx, "store.FinishRun", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE workflow_runs
			SET state = ?, steps = ?, error = ?, finished_at = CURRENT_TIMESTAMP
			WHERE run_id = ?`,
			string(state), steps, runErr, runID)
		return wrapDBError("store.FinishRun", err)
	})
}

// ActiveRun returns the in-flight run for the workflow ID, or nil. Used to
// enforce the schedule's overlap-skip policy across restarts.
func (s *Store) ActiveRun(ctx context.Context, workflowID string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, workflow_type, task_queue, state, input,
		       error, steps, continued_from, started_at, finished_at
		FROM workflow_runs
		WHERE workflow_id = ? AND state = ?
		ORDER BY started_at DESC LIMIT 1`,
		workflowID, string(RunRunning))
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("store.ActiveRun", err)
	}
	return run, nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, workflow_id, workflow_type, task_queue, state, input,
		       error, steps, continued_from, started_at, finished_at
		FROM workflow_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapDBError("store.RecentRuns", err)
	}
	defer rows.Close()

	var out []*WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, wrapDBError("store.RecentRuns", err)
		}
		out = append(out, run)
	}
	return out, wrapDBError("store.RecentRuns", rows.Err())
}

// ReapStaleRuns marks running rows older than maxAge as failed. Called once
// at startup: anything still "running" then belonged to a previous process.
func (s *Store) ReapStaleRuns(ctx context.Context, maxAge time.Duration) (int, error) {
	var n int64
	err := s.withTx(ctx, "store.ReapStaleRuns", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_runs
			SET state = ?, error = 'orphaned by restart', finished_at = CURRENT_TIMESTAMP
			WHERE state = ? AND started_at < ?`,
			string(RunFailed), string(RunRunning), time.Now().Add(-maxAge).UTC())
		if err != nil {
			return wrapDBError("store.ReapStaleRuns", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

func scanRun(r rowScanner) (*WorkflowRun, error) {
	var run WorkflowRun
	var state string
	var finished sql.NullTime
	err := r.Scan(&run.RunID, &run.WorkflowID, &run.WorkflowType, &run.TaskQueue,
		&state, &run.Input, &run.Error, &run.Steps, &run.ContinuedFrom,
		&run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	run.State = RunState(state)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
