package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/statusmap"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

var (
	older = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	newer = older.Add(time.Hour)
)

func obs(src types.Source, status types.Status, raw string, mod time.Time) Observation {
	return Observation{Source: src, Status: status, RawStatus: raw, ModifiedAt: mod}
}

func TestStatusAgreementIsNoChange(t *testing.T) {
	v := Status(
		obs(types.SourceHuly, types.StatusInProgress, statusmap.HulyInProgress, older),
		obs(types.SourceVibe, types.StatusInProgress, statusmap.VibeInProgress, newer))
	assert.Equal(t, types.StatusInProgress, v.Status)
	assert.False(t, v.Changed(types.StatusInProgress))
}

func TestClosedBeadsAlwaysWins(t *testing.T) {
	// Huly is newer, but the repo closed the issue.
	v := Status(
		obs(types.SourceHuly, types.StatusInProgress, statusmap.HulyInProgress, newer),
		obs(types.SourceBeads, types.StatusClosed, statusmap.BeadsClosed, older))
	assert.Equal(t, types.SourceBeads, v.Winner)
	assert.Equal(t, types.StatusClosed, v.Status)
}

func TestBareOpenBeadsNeverForwards(t *testing.T) {
	// Beads is newer but "open" is the bd default and must not churn Huly.
	v := Status(
		obs(types.SourceHuly, types.StatusInProgress, statusmap.HulyInProgress, older),
		obs(types.SourceBeads, types.StatusOpen, statusmap.BeadsOpen, newer))
	assert.Equal(t, types.SourceHuly, v.Winner)
	assert.Equal(t, types.StatusInProgress, v.Status)
}

func TestStatusWithRepoPinsClosed(t *testing.T) {
	// A closed repo issue overrides even a newer board edit.
	v := StatusWithRepo(
		obs(types.SourceHuly, types.StatusClosed, statusmap.HulyDone, older),
		obs(types.SourceVibe, types.StatusInProgress, statusmap.VibeInProgress, newer),
		true)
	assert.Equal(t, types.SourceBeads, v.Winner)
	assert.Equal(t, types.StatusClosed, v.Status)
}

func TestStatusWithRepoOpenDelegates(t *testing.T) {
	v := StatusWithRepo(
		obs(types.SourceHuly, types.StatusOpen, statusmap.HulyTodo, older),
		obs(types.SourceVibe, types.StatusInReview, statusmap.VibeInReview, newer),
		false)
	assert.Equal(t, types.SourceVibe, v.Winner)
	assert.Equal(t, types.StatusInReview, v.Status)
}

func TestForwardableBeadsStatusWinsWhenNewer(t *testing.T) {
	v := Status(
		obs(types.SourceHuly, types.StatusOpen, statusmap.HulyTodo, older),
		obs(types.SourceBeads, types.StatusBlocked, statusmap.BeadsBlocked, newer))
	assert.Equal(t, types.SourceBeads, v.Winner)
	assert.Equal(t, types.StatusBlocked, v.Status)
}

func TestLastWriterWinsAgainstVibe(t *testing.T) {
	v := Status(
		obs(types.SourceHuly, types.StatusOpen, statusmap.HulyTodo, older),
		obs(types.SourceVibe, types.StatusInReview, statusmap.VibeInReview, newer))
	assert.Equal(t, types.SourceVibe, v.Winner)
	assert.Equal(t, types.StatusInReview, v.Status)

	v = Status(
		obs(types.SourceHuly, types.StatusOpen, statusmap.HulyTodo, newer),
		obs(types.SourceVibe, types.StatusInReview, statusmap.VibeInReview, older))
	assert.Equal(t, types.SourceHuly, v.Winner)
}

func TestHulyWinsTimestampTie(t *testing.T) {
	v := Status(
		obs(types.SourceHuly, types.StatusOpen, statusmap.HulyTodo, older),
		obs(types.SourceVibe, types.StatusClosed, statusmap.VibeDone, older))
	assert.Equal(t, types.SourceHuly, v.Winner)
	assert.Equal(t, types.StatusOpen, v.Status)
}

func TestHulyWinsMissingTimestamps(t *testing.T) {
	v := Status(
		obs(types.SourceHuly, types.StatusOpen, statusmap.HulyTodo, time.Time{}),
		obs(types.SourceVibe, types.StatusClosed, statusmap.VibeDone, time.Time{}))
	assert.Equal(t, types.SourceHuly, v.Winner)
}

func TestPriorityLastWriterWins(t *testing.T) {
	h := Observation{Source: types.SourceHuly, Priority: types.PriorityMedium, ModifiedAt: older}
	o := Observation{Source: types.SourceVibe, Priority: types.PriorityUrgent, ModifiedAt: newer}

	p, winner := Priority(h, o)
	assert.Equal(t, types.PriorityUrgent, p)
	assert.Equal(t, types.SourceVibe, winner)

	h.ModifiedAt, o.ModifiedAt = newer, older
	p, winner = Priority(h, o)
	assert.Equal(t, types.PriorityMedium, p)
	assert.Equal(t, types.SourceHuly, winner)
}

func TestCreationBlockedByTombstone(t *testing.T) {
	issue := &types.Issue{DeletedFromVibe: true}
	assert.True(t, CreationBlocked(issue, types.SourceVibe))
	assert.False(t, CreationBlocked(issue, types.SourceBeads))
	assert.False(t, CreationBlocked(issue, types.SourceHuly))
}
