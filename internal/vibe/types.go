package vibe

import "time"

// Board is a Vibe kanban project.
type Board struct {
	ID        string    `json:"id"` // UUID
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one kanban card.
type Task struct {
	ID          string    `json:"id"` // UUID
	ProjectID   string    `json:"project_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`   // todo | inprogress | inreview | done
	Priority    int       `json:"priority"` // 0 (urgent) .. 4 (none)
	AgentID     string    `json:"agent_id,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskPayload is the body for task creation and full updates.
type TaskPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    *int   `json:"priority,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
}

// Event stream record kinds.
const (
	EventTask        = "TASK"
	EventDeletedTask = "DELETED_TASK"
	EventHeartbeat   = "HEARTBEAT"
)

// Event is one record from the Vibe SSE stream. Task mutations arrive as
// JSON-patch style operations against the board state.
type Event struct {
	Kind      string  `json:"kind"`
	ProjectID string  `json:"project_id"`
	TaskID    string  `json:"task_id,omitempty"`
	Patches   []Patch `json:"patches,omitempty"`
	Task      *Task   `json:"task,omitempty"` // full record when the server sends one
}

// Patch is a single field-level change inside a task event.
type Patch struct {
	Op    string      `json:"op"`   // "add" | "replace" | "remove"
	Path  string      `json:"path"` // e.g. "/status"
	Value interface{} `json:"value,omitempty"`
}
