package store

const schema = `
-- Projects table: one row per Huly project seen by the engine.
CREATE TABLE IF NOT EXISTS projects (
    identifier TEXT PRIMARY KEY CHECK(length(identifier) > 0),
    name TEXT NOT NULL DEFAULT '',
    repo_path TEXT NOT NULL DEFAULT '',
    vibe_project_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    last_sync_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Issues table: the cross-system identity graph. One row per logical issue,
-- keyed by (project, Huly identifier).
CREATE TABLE IF NOT EXISTS issues (
    project_identifier TEXT NOT NULL REFERENCES projects(identifier),
    huly_identifier TEXT NOT NULL CHECK(length(huly_identifier) > 0),
    title TEXT NOT NULL DEFAULT '',
    normalized_title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'open',
    priority INTEGER NOT NULL DEFAULT 2 CHECK(priority >= 0 AND priority <= 4),

    huly_id TEXT NOT NULL DEFAULT '',
    vibe_task_id TEXT NOT NULL DEFAULT '',
    beads_issue_id TEXT NOT NULL DEFAULT '',

    huly_modified_at DATETIME,
    vibe_modified_at DATETIME,
    beads_modified_at DATETIME,

    huly_status TEXT NOT NULL DEFAULT '',
    vibe_status TEXT NOT NULL DEFAULT '',
    beads_status TEXT NOT NULL DEFAULT '',

    parent_huly_id TEXT NOT NULL DEFAULT '',
    parent_vibe_id TEXT NOT NULL DEFAULT '',
    parent_beads_id TEXT NOT NULL DEFAULT '',
    sub_issue_count INTEGER NOT NULL DEFAULT 0,

    deleted_from_vibe INTEGER NOT NULL DEFAULT 0,
    deleted_from_beads INTEGER NOT NULL DEFAULT 0,

    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,

    PRIMARY KEY (project_identifier, huly_identifier)
);

CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project_identifier);
CREATE INDEX IF NOT EXISTS idx_issues_beads_id ON issues(beads_issue_id) WHERE beads_issue_id != '';
CREATE INDEX IF NOT EXISTS idx_issues_vibe_id ON issues(vibe_task_id) WHERE vibe_task_id != '';
CREATE INDEX IF NOT EXISTS idx_issues_normalized_title ON issues(project_identifier, normalized_title);

-- Workflow run bookkeeping: schedule-tick dedupe and crash-visible history.
CREATE TABLE IF NOT EXISTS workflow_runs (
    run_id TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    workflow_type TEXT NOT NULL,
    task_queue TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'running',
    input TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    steps INTEGER NOT NULL DEFAULT 0,
    continued_from TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs(workflow_id, started_at);

-- Metadata table for schema versioning.
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// schemaVersion is bumped whenever the DDL above changes shape.
const schemaVersion = "1"
