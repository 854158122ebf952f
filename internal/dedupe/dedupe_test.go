package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Implement X", "implement x"},
		{"  Implement X  ", "implement x"},
		{"[P0] Fix crash", "fix crash"},
		{"[P4] [BUG] Fix crash", "fix crash"},
		{"[PERF-REGRESSION] Slow query", "slow query"},
		{"[TIER 2] Harden parser", "harden parser"},
		{"[ACTION] Follow up", "follow up"},
		{"[FIXED] Old bug", "old bug"},
		{"[EPIC] Big rock", "big rock"},
		{"[WIP] Draft", "draft"},
		{"[p1] lowercase tag", "lowercase tag"},
		{"No [P0] mid-title strip", "no [p0] mid-title strip"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), "input %q", tt.in)
	}
}

func issue(project, ident, title, beadsID, vibeID string) *types.Issue {
	return &types.Issue{
		ProjectID:      project,
		HulyIdentifier: ident,
		Title:          title,
		BeadsIssueID:   beadsID,
		VibeTaskID:     vibeID,
	}
}

func TestBuildLookups(t *testing.T) {
	idx := Build("PROJ", []*types.Issue{
		issue("PROJ", "PROJ-1", "Implement X", "bd-1", "v-1"),
		issue("PROJ", "PROJ-2", "[P0] Fix crash", "", "v-2"),
	})

	assert.Equal(t, 2, idx.Len())
	require.NotNil(t, idx.ByIdentifier("PROJ-1"))
	assert.Equal(t, "PROJ-1", idx.ByBeadsID("bd-1").HulyIdentifier)
	assert.Equal(t, "PROJ-2", idx.ByVibeTaskID("v-2").HulyIdentifier)
	// Title lookup normalizes both sides.
	assert.Equal(t, "PROJ-2", idx.ByTitle("fix crash").HulyIdentifier)
	assert.Equal(t, "PROJ-2", idx.ByTitle("[BUG] Fix crash").HulyIdentifier)
	assert.Nil(t, idx.ByTitle("unknown"))
	assert.Nil(t, idx.ByBeadsID("bd-404"))
}

func TestBuildDuplicateTitleKeepsFirst(t *testing.T) {
	idx := Build("PROJ", []*types.Issue{
		issue("PROJ", "PROJ-1", "Implement X", "", ""),
		issue("PROJ", "PROJ-9", "[WIP] Implement X", "", ""),
	})
	assert.Equal(t, "PROJ-1", idx.ByTitle("implement x").HulyIdentifier)
}

type fakeLister struct {
	calls  int
	issues []*types.Issue
}

func (f *fakeLister) GetProjectIssues(ctx context.Context, projectID string) ([]*types.Issue, error) {
	f.calls++
	return f.issues, nil
}

func TestCacheServesWithinTTL(t *testing.T) {
	lister := &fakeLister{issues: []*types.Issue{issue("PROJ", "PROJ-1", "A", "", "")}}
	cache := NewCache(lister, time.Minute)

	_, err := cache.Get(context.Background(), "PROJ")
	require.NoError(t, err)
	_, err = cache.Get(context.Background(), "PROJ")
	require.NoError(t, err)

	assert.Equal(t, 1, lister.calls, "second Get must be served from cache")
}

func TestCacheExpires(t *testing.T) {
	lister := &fakeLister{}
	cache := NewCache(lister, time.Nanosecond)

	_, err := cache.Get(context.Background(), "PROJ")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = cache.Get(context.Background(), "PROJ")
	require.NoError(t, err)

	assert.Equal(t, 2, lister.calls)
}

func TestCacheInvalidate(t *testing.T) {
	lister := &fakeLister{}
	cache := NewCache(lister, time.Minute)

	_, _ = cache.Get(context.Background(), "PROJ")
	cache.Invalidate("PROJ")
	_, _ = cache.Get(context.Background(), "PROJ")

	assert.Equal(t, 2, lister.calls)
}
