// Package statusmap holds the fixed translation tables between the three
// status/priority vocabularies and the normalized domain types.
//
// The tables are intentionally total: every upstream value maps to a
// normalized value, and every normalized value maps back to a concrete
// upstream value. Unknown upstream strings fall back to the open/default
// state rather than failing the sync.
package statusmap

import "github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"

// Huly status names as they appear in the tracker UI and API.
const (
	HulyBacklog     = "Backlog"
	HulyTodo        = "Todo"
	HulyInProgress  = "In Progress"
	HulyNeedsReview = "Needs Review"
	HulyDone        = "Done"
	HulyCancelled   = "Cancelled"
)

// Vibe kanban task statuses as carried on the wire.
const (
	VibeTodo       = "todo"
	VibeInProgress = "inprogress"
	VibeInReview   = "inreview"
	VibeDone       = "done"
	VibeCancelled  = "cancelled"
)

// Beads issue statuses as emitted by the bd CLI.
const (
	BeadsOpen       = "open"
	BeadsInProgress = "in_progress"
	BeadsBlocked    = "blocked"
	BeadsDeferred   = "deferred"
	BeadsClosed     = "closed"
)

// HulyToStatus converts a Huly status name to the normalized status.
func HulyToStatus(s string) types.Status {
	switch s {
	case HulyBacklog, HulyTodo:
		return types.StatusOpen
	case HulyInProgress:
		return types.StatusInProgress
	case HulyNeedsReview:
		return types.StatusInReview
	case HulyDone:
		return types.StatusClosed
	case HulyCancelled:
		return types.StatusCancelled
	}
	return types.StatusOpen
}

// StatusToHuly converts a normalized status to the Huly status name.
func StatusToHuly(s types.Status) string {
	switch s {
	case types.StatusOpen:
		return HulyTodo
	case types.StatusInProgress:
		return HulyInProgress
	case types.StatusInReview:
		return HulyNeedsReview
	case types.StatusBlocked, types.StatusDeferred:
		// Huly has no blocked/deferred state; both surface as Todo so the
		// issue stays visible on the board.
		return HulyTodo
	case types.StatusClosed:
		return HulyDone
	case types.StatusCancelled:
		return HulyCancelled
	}
	return HulyTodo
}

// VibeToStatus converts a Vibe task status to the normalized status.
func VibeToStatus(s string) types.Status {
	switch s {
	case VibeTodo:
		return types.StatusOpen
	case VibeInProgress:
		return types.StatusInProgress
	case VibeInReview:
		return types.StatusInReview
	case VibeDone:
		return types.StatusClosed
	case VibeCancelled:
		return types.StatusCancelled
	}
	return types.StatusOpen
}

// StatusToVibe converts a normalized status to the Vibe wire value.
func StatusToVibe(s types.Status) string {
	switch s {
	case types.StatusOpen:
		return VibeTodo
	case types.StatusInProgress, types.StatusBlocked, types.StatusDeferred:
		return VibeInProgress
	case types.StatusInReview:
		return VibeInReview
	case types.StatusClosed:
		return VibeDone
	case types.StatusCancelled:
		return VibeCancelled
	}
	return VibeTodo
}

// BeadsToStatus converts a bd status to the normalized status.
func BeadsToStatus(s string) types.Status {
	switch s {
	case BeadsOpen:
		return types.StatusOpen
	case BeadsInProgress:
		return types.StatusInProgress
	case BeadsBlocked:
		return types.StatusBlocked
	case BeadsDeferred:
		return types.StatusDeferred
	case BeadsClosed:
		return types.StatusClosed
	}
	return types.StatusOpen
}

// StatusToBeads converts a normalized status to the bd status value.
func StatusToBeads(s types.Status) string {
	switch s {
	case types.StatusOpen:
		return BeadsOpen
	case types.StatusInProgress, types.StatusInReview:
		return BeadsInProgress
	case types.StatusBlocked:
		return BeadsBlocked
	case types.StatusDeferred:
		return BeadsDeferred
	case types.StatusClosed, types.StatusCancelled:
		return BeadsClosed
	}
	return BeadsOpen
}

// ForwardableFromBeads reports whether a beads status participates in the
// beads→Huly direction. Bare "open" is the bd default and is not forwarded:
// pushing it would churn Huly issues that were merely touched.
func ForwardableFromBeads(s string) bool {
	switch s {
	case BeadsInProgress, BeadsClosed, BeadsBlocked, BeadsDeferred:
		return true
	}
	return false
}

// HulyToPriority converts a Huly priority label to the normalized scale.
func HulyToPriority(s string) types.Priority {
	switch s {
	case "Urgent":
		return types.PriorityUrgent
	case "High":
		return types.PriorityHigh
	case "Medium":
		return types.PriorityMedium
	case "Low":
		return types.PriorityLow
	case "No priority", "NoPriority", "":
		return types.PriorityNone
	}
	return types.PriorityMedium
}

// PriorityToHuly converts a normalized priority to the Huly label.
func PriorityToHuly(p types.Priority) string {
	switch p {
	case types.PriorityUrgent:
		return "Urgent"
	case types.PriorityHigh:
		return "High"
	case types.PriorityMedium:
		return "Medium"
	case types.PriorityLow:
		return "Low"
	case types.PriorityNone:
		return "No priority"
	}
	return "Medium"
}

// BeadsToPriority converts a bd priority (0-4) to the normalized scale.
// The scales are identical; out-of-range values clamp to medium.
func BeadsToPriority(p int) types.Priority {
	if p < int(types.PriorityUrgent) || p > int(types.PriorityNone) {
		return types.PriorityMedium
	}
	return types.Priority(p)
}

// PriorityToBeads converts a normalized priority to the bd 0-4 scale.
func PriorityToBeads(p types.Priority) int {
	if !p.Valid() {
		return int(types.PriorityMedium)
	}
	return int(p)
}
