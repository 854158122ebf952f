package statusmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

func TestHulyRoundTrip(t *testing.T) {
	// Every Huly status maps to a normalized status that maps back to
	// either itself or its canonical representative.
	tests := []struct {
		huly string
		norm types.Status
		back string
	}{
		{HulyBacklog, types.StatusOpen, HulyTodo},
		{HulyTodo, types.StatusOpen, HulyTodo},
		{HulyInProgress, types.StatusInProgress, HulyInProgress},
		{HulyNeedsReview, types.StatusInReview, HulyNeedsReview},
		{HulyDone, types.StatusClosed, HulyDone},
		{HulyCancelled, types.StatusCancelled, HulyCancelled},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.norm, HulyToStatus(tt.huly), tt.huly)
		assert.Equal(t, tt.back, StatusToHuly(tt.norm), tt.huly)
	}
}

func TestVibeMapping(t *testing.T) {
	assert.Equal(t, types.StatusInProgress, VibeToStatus(VibeInProgress))
	assert.Equal(t, types.StatusClosed, VibeToStatus(VibeDone))
	assert.Equal(t, VibeDone, StatusToVibe(types.StatusClosed))
	// Blocked and deferred have no Vibe column; they surface as inprogress.
	assert.Equal(t, VibeInProgress, StatusToVibe(types.StatusBlocked))
	assert.Equal(t, VibeInProgress, StatusToVibe(types.StatusDeferred))
}

func TestBeadsMapping(t *testing.T) {
	assert.Equal(t, types.StatusBlocked, BeadsToStatus(BeadsBlocked))
	assert.Equal(t, types.StatusDeferred, BeadsToStatus(BeadsDeferred))
	assert.Equal(t, BeadsClosed, StatusToBeads(types.StatusCancelled))
	assert.Equal(t, BeadsInProgress, StatusToBeads(types.StatusInReview))
}

func TestUnknownStatusFallsBackToOpen(t *testing.T) {
	assert.Equal(t, types.StatusOpen, HulyToStatus("Weird Column"))
	assert.Equal(t, types.StatusOpen, VibeToStatus("???"))
	assert.Equal(t, types.StatusOpen, BeadsToStatus(""))
}

func TestForwardableFromBeads(t *testing.T) {
	assert.True(t, ForwardableFromBeads(BeadsInProgress))
	assert.True(t, ForwardableFromBeads(BeadsClosed))
	assert.True(t, ForwardableFromBeads(BeadsBlocked))
	assert.True(t, ForwardableFromBeads(BeadsDeferred))
	// Bare open is the default and never forwarded.
	assert.False(t, ForwardableFromBeads(BeadsOpen))
	assert.False(t, ForwardableFromBeads("tombstone"))
}

func TestPriorityMapping(t *testing.T) {
	assert.Equal(t, types.PriorityUrgent, HulyToPriority("Urgent"))
	assert.Equal(t, types.PriorityNone, HulyToPriority(""))
	assert.Equal(t, "High", PriorityToHuly(types.PriorityHigh))

	for p := 0; p <= 4; p++ {
		assert.Equal(t, p, PriorityToBeads(BeadsToPriority(p)))
	}
	assert.Equal(t, types.PriorityMedium, BeadsToPriority(99))
	assert.Equal(t, types.PriorityMedium, BeadsToPriority(-1))
}
