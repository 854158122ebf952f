// Package types holds the core domain types shared by every component of the
// sync engine: the normalized issue model, the cross-system identity row, and
// the sync event variants produced by the intake paths.
package types

import (
	"fmt"
	"time"
)

// Status is the normalized status vocabulary. Each upstream system maps its
// own vocabulary onto this set (see internal/statusmap).
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// ValidStatuses lists every normalized status.
var ValidStatuses = []Status{
	StatusOpen, StatusInProgress, StatusInReview,
	StatusBlocked, StatusDeferred, StatusClosed, StatusCancelled,
}

// IsValid reports whether s is a known normalized status.
func (s Status) IsValid() bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status represents finished work.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Priority is the normalized priority scale: 0 (urgent) through 4 (none).
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
	PriorityNone   Priority = 4
)

// Valid reports whether p is within the normalized range.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityNone
}

// Source identifies one of the three synced systems.
type Source string

const (
	SourceHuly  Source = "huly"
	SourceVibe  Source = "vibe"
	SourceBeads Source = "beads"
)

// Project is a logical grouping of issues, keyed by the Huly project
// identifier (short uppercase tag such as "PROJ"). Projects are upserted on
// first sight from Huly and never deleted by the engine.
type Project struct {
	Identifier    string     `json:"identifier"`
	Name          string     `json:"name"`
	RepoPath      string     `json:"repo_path,omitempty"`     // git worktree enabling the beads side
	VibeProjectID string     `json:"vibe_project_id,omitempty"` // kanban project UUID
	AgentID       string     `json:"agent_id,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasRepo reports whether the project carries a filesystem path and therefore
// participates in beads-side sync.
func (p *Project) HasRepo() bool { return p.RepoPath != "" }

// HasVibe reports whether the project is linked to a kanban project.
func (p *Project) HasVibe() bool { return p.VibeProjectID != "" }

// Issue is one logical issue tracked across up to three systems. The row is
// keyed by (ProjectID, HulyIdentifier); the cross-IDs tie it to the records
// each upstream system knows it by.
type Issue struct {
	ProjectID      string `json:"project_id"`
	HulyIdentifier string `json:"huly_identifier"` // e.g. "PROJ-123"

	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	// Cross-system IDs. Empty means the issue has no counterpart on that side.
	HulyID       string `json:"huly_id,omitempty"`
	VibeTaskID   string `json:"vibe_task_id,omitempty"`
	BeadsIssueID string `json:"beads_issue_id,omitempty"`

	// Per-source last-observed modification timestamps. Writes through the
	// store clamp these to be monotonically non-decreasing.
	HulyModifiedAt  time.Time `json:"huly_modified_at,omitzero"`
	VibeModifiedAt  time.Time `json:"vibe_modified_at,omitzero"`
	BeadsModifiedAt time.Time `json:"beads_modified_at,omitzero"`

	// Per-source last-observed raw status values.
	HulyStatus  string `json:"huly_status,omitempty"`
	VibeStatus  string `json:"vibe_status,omitempty"`
	BeadsStatus string `json:"beads_status,omitempty"`

	// Parent pointers on each side. A non-empty value must reference an
	// issue in the same project that has a cross-ID on the same side.
	ParentHulyID  string `json:"parent_huly_id,omitempty"`
	ParentVibeID  string `json:"parent_vibe_id,omitempty"`
	ParentBeadsID string `json:"parent_beads_id,omitempty"`

	SubIssueCount int `json:"sub_issue_count,omitempty"`

	// Sticky tombstones: once set, the engine will not recreate the
	// counterpart on that side until the row is re-observed there.
	DeletedFromVibe  bool `json:"deleted_from_vibe,omitempty"`
	DeletedFromBeads bool `json:"deleted_from_beads,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the canonical row key, "PROJECT/PROJ-123".
func (i *Issue) Key() string {
	return i.ProjectID + "/" + i.HulyIdentifier
}

// HasParent reports whether the issue references a parent on any side.
func (i *Issue) HasParent() bool {
	return i.ParentHulyID != "" || i.ParentVibeID != "" || i.ParentBeadsID != ""
}

// ModifiedAt returns the last-observed modification time for the given source.
func (i *Issue) ModifiedAt(src Source) time.Time {
	switch src {
	case SourceHuly:
		return i.HulyModifiedAt
	case SourceVibe:
		return i.VibeModifiedAt
	case SourceBeads:
		return i.BeadsModifiedAt
	}
	return time.Time{}
}

// EventSource identifies the intake path that produced a SyncEvent.
type EventSource string

const (
	EventSourceTick    EventSource = "tick"
	EventSourceWebhook EventSource = "webhook"
	EventSourceSSE     EventSource = "sse"
	EventSourceFile    EventSource = "file"
	EventSourceManual  EventSource = "manual"
)

// EventKind classifies what the upstream change was.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// SyncEvent is the ephemeral unit of work flowing from the intake paths into
// the controller. It is never persisted.
type SyncEvent struct {
	Source        EventSource `json:"source"`
	Kind          EventKind   `json:"kind"`
	ProjectID     string      `json:"project_id,omitempty"`
	IssueKey      string      `json:"issue_key,omitempty"` // Huly identifier or Vibe/Beads cross-ID
	CorrelationID string      `json:"correlation_id"`
	ReceivedAt    time.Time   `json:"received_at"`
}

func (e SyncEvent) String() string {
	return fmt.Sprintf("%s/%s project=%s key=%s corr=%s",
		e.Source, e.Kind, e.ProjectID, e.IssueKey, e.CorrelationID)
}

// ReviewRequest is the ephemeral handoff emitted when an issue enters the
// needs-review status. Consumed by the admin event stream only.
type ReviewRequest struct {
	ProjectID      string    `json:"project_id"`
	HulyIdentifier string    `json:"huly_identifier"`
	Title          string    `json:"title"`
	EnteredAt      time.Time `json:"entered_at"`
}

// CycleResult summarizes one orchestration pass for history and /health.
type CycleResult struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration"`
	ProjectsProcessed int           `json:"projects_processed"`
	IssuesSynced      int           `json:"issues_synced"`
	Created           int           `json:"created"`
	Updated           int           `json:"updated"`
	Skipped           int           `json:"skipped"`
	Errors            int           `json:"errors"`
	DryRun            bool          `json:"dry_run,omitempty"`
	Err               string        `json:"error,omitempty"`
}

// Success reports whether the cycle completed without a fatal error.
// Per-issue failures do not fail a cycle.
func (r CycleResult) Success() bool { return r.Err == "" }
