// Package resolve implements the conflict rules applied when an issue has
// diverged between Huly and a counterpart system.
//
// The rules, in order of precedence:
//
//  1. A closed beads issue always wins. Closing in the repo is an explicit
//     developer action and must never be reopened by a stale board state.
//  2. Beads statuses outside the forwardable set never overwrite Huly.
//  3. Otherwise last-writer-wins on the observed modification timestamps,
//     with Huly winning ties and missing timestamps.
//
// Titles are never contested: Huly is authoritative and counterpart renames
// are overwritten on the next pass.
package resolve

import (
	"time"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/statusmap"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

// Observation is one side's view of an issue at resolution time.
type Observation struct {
	Source     types.Source
	Status     types.Status
	RawStatus  string // upstream vocabulary, used for the beads forwarding gate
	Priority   types.Priority
	ModifiedAt time.Time
}

// Verdict is the outcome of resolving one field between two observations.
type Verdict struct {
	Winner types.Source
	Status types.Status
	Reason string
}

// Changed reports whether applying the verdict requires a write.
func (v Verdict) Changed(current types.Status) bool { return v.Status != current }

// Status resolves the status conflict between the Huly view and a
// counterpart view of the same issue.
func Status(huly, other Observation) Verdict {
	if huly.Status == other.Status {
		return Verdict{Winner: types.SourceHuly, Status: huly.Status, Reason: "in agreement"}
	}

	if other.Source == types.SourceBeads {
		if other.Status == types.StatusClosed {
			return Verdict{Winner: types.SourceBeads, Status: types.StatusClosed, Reason: "closed in repo"}
		}
		if !statusmap.ForwardableFromBeads(other.RawStatus) {
			return Verdict{Winner: types.SourceHuly, Status: huly.Status, Reason: "beads status not forwardable"}
		}
	}

	if other.ModifiedAt.After(huly.ModifiedAt) {
		return Verdict{Winner: other.Source, Status: other.Status, Reason: "newer counterpart write"}
	}
	return Verdict{Winner: types.SourceHuly, Status: huly.Status, Reason: "huly wins on tie or age"}
}

// StatusWithRepo resolves status like Status but honors a closed repo
// issue: once beads has closed, the pair is pinned closed and neither
// observation can reopen it.
func StatusWithRepo(huly, other Observation, repoClosed bool) Verdict {
	if repoClosed {
		return Verdict{Winner: types.SourceBeads, Status: types.StatusClosed, Reason: "closed in repo"}
	}
	return Status(huly, other)
}

// Priority resolves the priority conflict. Same last-writer-wins rule as
// status, without the beads special cases: priority edits flow freely.
func Priority(huly, other Observation) (types.Priority, types.Source) {
	if huly.Priority == other.Priority {
		return huly.Priority, types.SourceHuly
	}
	if other.ModifiedAt.After(huly.ModifiedAt) && other.Priority.Valid() {
		return other.Priority, other.Source
	}
	return huly.Priority, types.SourceHuly
}

// CreationBlocked reports whether a counterpart for the issue may be created
// on the given side. A sticky tombstone means the record was deleted there
// and must not resurrect.
func CreationBlocked(issue *types.Issue, side types.Source) bool {
	switch side {
	case types.SourceVibe:
		return issue.DeletedFromVibe
	case types.SourceBeads:
		return issue.DeletedFromBeads
	}
	return false
}
