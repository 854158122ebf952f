package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.UpsertProject(context.Background(), &types.Project{
		Identifier: id,
		Name:       id + " project",
	}))
}

func TestOpenAndPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), ErrClosed)
}

func TestUpsertProjectRetainsOptionalFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier:    "PROJ",
		Name:          "Project",
		RepoPath:      "/srv/repos/proj",
		VibeProjectID: "uuid-1",
	}))

	// A later upsert without the optional fields must not erase them.
	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier: "PROJ",
		Name:       "Project renamed",
	}))

	p, err := s.GetProject(ctx, "PROJ")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Project renamed", p.Name)
	assert.Equal(t, "/srv/repos/proj", p.RepoPath)
	assert.Equal(t, "uuid-1", p.VibeProjectID)
}

func TestGetProjectMissing(t *testing.T) {
	s := newTestStore(t)
	p, err := s.GetProject(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestFindProjectByVibeID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProject(ctx, &types.Project{
		Identifier:    "PROJ",
		Name:          "Project",
		VibeProjectID: "uuid-1",
	}))

	p, err := s.FindProjectByVibeID(ctx, "uuid-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "PROJ", p.Identifier)

	p, err = s.FindProjectByVibeID(ctx, "uuid-nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestCountIssues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	n, err := s.CountIssues(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range []string{"PROJ-1", "PROJ-2"} {
		require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
			ProjectID: "PROJ", HulyIdentifier: id, Title: id,
			Status: types.StatusOpen, Priority: types.PriorityMedium,
		}))
	}

	n, err = s.CountIssues(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUpsertIssueInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	in := &types.Issue{
		ProjectID:      "PROJ",
		HulyIdentifier: "PROJ-1",
		Title:          "Implement X",
		Status:         types.StatusOpen,
		Priority:       types.PriorityHigh,
		HulyID:         "h-1",
		HulyModifiedAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.UpsertIssue(ctx, in))

	got, err := s.GetIssue(ctx, "PROJ", "PROJ-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Implement X", got.Title)
	assert.Equal(t, types.PriorityHigh, got.Priority)
	assert.Equal(t, "h-1", got.HulyID)
	assert.True(t, got.HulyModifiedAt.Equal(in.HulyModifiedAt))
}

func TestUpsertIssueMergeRetainsFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-1",
		Title: "Implement X", Status: types.StatusOpen, Priority: types.PriorityMedium,
		VibeTaskID: "v-1", BeadsIssueID: "bd-1", BeadsStatus: "open",
	}))

	// Partial observation from the Huly side: no cross-IDs supplied.
	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-1",
		Status: types.StatusInProgress, Priority: types.PriorityMedium,
		HulyStatus: "In Progress",
	}))

	got, err := s.GetIssue(ctx, "PROJ", "PROJ-1")
	require.NoError(t, err)
	assert.Equal(t, "Implement X", got.Title, "empty title must not erase stored title")
	assert.Equal(t, "v-1", got.VibeTaskID)
	assert.Equal(t, "bd-1", got.BeadsIssueID)
	assert.Equal(t, "open", got.BeadsStatus)
	assert.Equal(t, types.StatusInProgress, got.Status)
	assert.Equal(t, "In Progress", got.HulyStatus)
}

func TestUpsertIssueMonotonicClamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	later := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)

	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-1", Title: "A",
		Status: types.StatusOpen, Priority: types.PriorityMedium,
		HulyModifiedAt: later,
	}))
	// Stale observation arrives out of order.
	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-1",
		Status: types.StatusOpen, Priority: types.PriorityMedium,
		HulyModifiedAt: earlier,
	}))

	got, err := s.GetIssue(ctx, "PROJ", "PROJ-1")
	require.NoError(t, err)
	assert.True(t, got.HulyModifiedAt.Equal(later), "timestamp must never regress")
}

func TestUpsertIssueRejectsIncompleteKey(t *testing.T) {
	s := newTestStore(t)
	err := s.UpsertIssue(context.Background(), &types.Issue{ProjectID: "PROJ"})
	assert.Error(t, err)
}

func TestTombstones(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-3", Title: "C",
		Status: types.StatusOpen, Priority: types.PriorityMedium,
		VibeTaskID: "v-old",
	}))

	require.NoError(t, s.MarkDeletedFromVibe(ctx, "PROJ", "PROJ-3"))
	got, err := s.GetIssue(ctx, "PROJ", "PROJ-3")
	require.NoError(t, err)
	assert.True(t, got.DeletedFromVibe)
	assert.False(t, got.DeletedFromBeads)

	// An ordinary upsert must not clear the tombstone.
	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-3",
		Status: types.StatusOpen, Priority: types.PriorityMedium,
	}))
	got, err = s.GetIssue(ctx, "PROJ", "PROJ-3")
	require.NoError(t, err)
	assert.True(t, got.DeletedFromVibe, "upsert must not clear tombstones")

	require.NoError(t, s.ClearDeletedFromVibe(ctx, "PROJ", "PROJ-3"))
	got, err = s.GetIssue(ctx, "PROJ", "PROJ-3")
	require.NoError(t, err)
	assert.False(t, got.DeletedFromVibe)
}

func TestHardDeleteIssue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-4", Title: "D",
		Status: types.StatusOpen, Priority: types.PriorityMedium,
	}))
	require.NoError(t, s.HardDeleteIssue(ctx, "PROJ", "PROJ-4"))

	got, err := s.GetIssue(ctx, "PROJ", "PROJ-4")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCrossIDScans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-1", Title: "A",
		Status: types.StatusOpen, Priority: types.PriorityMedium, VibeTaskID: "v-1",
	}))
	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-2", Title: "B",
		Status: types.StatusOpen, Priority: types.PriorityMedium, BeadsIssueID: "bd-2",
	}))

	withVibe, err := s.GetIssuesWithVibeID(ctx, "PROJ")
	require.NoError(t, err)
	require.Len(t, withVibe, 1)
	assert.Equal(t, "PROJ-1", withVibe[0].HulyIdentifier)

	withBeads, err := s.GetIssuesWithBeadsID(ctx, "PROJ")
	require.NoError(t, err)
	require.Len(t, withBeads, 1)
	assert.Equal(t, "PROJ-2", withBeads[0].HulyIdentifier)
}

func TestFindByNormalizedTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-1", Title: "[P0] Fix crash",
		Status: types.StatusOpen, Priority: types.PriorityUrgent,
	}))

	got, err := s.FindByNormalizedTitle(ctx, "PROJ", "fix crash")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PROJ-1", got.HulyIdentifier)

	got, err = s.FindByNormalizedTitle(ctx, "PROJ", "[BUG] Fix crash")
	require.NoError(t, err)
	require.NotNil(t, got, "normalization must apply to the query too")

	got, err = s.FindByNormalizedTitle(ctx, "PROJ", "unrelated")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetParentRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	require.NoError(t, s.UpsertIssue(ctx, &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-21", Title: "child",
		Status: types.StatusOpen, Priority: types.PriorityMedium,
	}))
	require.NoError(t, s.SetParentRef(ctx, "PROJ", "PROJ-21", types.SourceVibe, "v-parent"))

	got, err := s.GetIssue(ctx, "PROJ", "PROJ-21")
	require.NoError(t, err)
	assert.Equal(t, "v-parent", got.ParentVibeID)

	// Clearing is explicit.
	require.NoError(t, s.SetParentRef(ctx, "PROJ", "PROJ-21", types.SourceVibe, ""))
	got, err = s.GetIssue(ctx, "PROJ", "PROJ-21")
	require.NoError(t, err)
	assert.Empty(t, got.ParentVibeID)
}

func TestUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProject(t, s, "PROJ")

	issue := &types.Issue{
		ProjectID: "PROJ", HulyIdentifier: "PROJ-1", Title: "Same",
		Status: types.StatusOpen, Priority: types.PriorityMedium,
		HulyModifiedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.UpsertIssue(ctx, issue))
	first, err := s.GetIssue(ctx, "PROJ", "PROJ-1")
	require.NoError(t, err)

	require.NoError(t, s.UpsertIssue(ctx, issue))
	second, err := s.GetIssue(ctx, "PROJ", "PROJ-1")
	require.NoError(t, err)

	// Replaying the same observation must not change the row.
	assert.Equal(t, first.Title, second.Title)
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.HulyModifiedAt.Equal(second.HulyModifiedAt))
	assert.Equal(t, first.VibeTaskID, second.VibeTaskID)
}

func TestWorkflowRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &WorkflowRun{
		RunID:        "run-1",
		WorkflowID:   "orchestration",
		WorkflowType: "Orchestration",
		TaskQueue:    "hvsync",
	}
	require.NoError(t, s.InsertRun(ctx, run))

	active, err := s.ActiveRun(ctx, "orchestration")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "run-1", active.RunID)

	require.NoError(t, s.FinishRun(ctx, "run-1", RunCompleted, 12, ""))
	active, err = s.ActiveRun(ctx, "orchestration")
	require.NoError(t, err)
	assert.Nil(t, active)

	recent, err := s.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, RunCompleted, recent[0].State)
	assert.Equal(t, 12, recent[0].Steps)
}

func TestReapStaleRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertRun(ctx, &WorkflowRun{
		RunID: "run-old", WorkflowID: "orchestration", WorkflowType: "Orchestration",
	}))

	// maxAge in the future relative to the insert: nothing reaped.
	n, err := s.ReapStaleRuns(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Everything older than "now minus -1h" (i.e. anything) is reaped.
	n, err = s.ReapStaleRuns(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := s.ActiveRun(ctx, "orchestration")
	require.NoError(t, err)
	assert.Nil(t, active)
}
