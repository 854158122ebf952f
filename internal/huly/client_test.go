package huly

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/httpx"
)

func TestListProjectsCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"projects": []Project{{Identifier: "PROJ", Name: "Project"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, httpx.Options{})
	ctx := context.Background()

	first, err := c.ListProjects(ctx)
	require.NoError(t, err)
	second, err := c.ListProjects(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load(), "second call must be served from cache")

	c.InvalidateProjects()
	_, err = c.ListProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetIssueMissingReturnsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, httpx.Options{})
	issue, err := c.GetIssue(context.Background(), "PROJ-404")
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestBulkListIssues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req BulkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"PROJ", "OPS"}, req.Projects)
		assert.Equal(t, 200, req.Limit)

		json.NewEncoder(w).Encode(BulkResponse{
			Issues: map[string][]Issue{
				"PROJ": {{Identifier: "PROJ-1", Title: "First"}},
				"OPS":  {},
			},
			Total: 1,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, httpx.Options{})
	got, err := c.BulkListIssues(context.Background(), BulkRequest{
		Projects: []string{"PROJ", "OPS"},
		Limit:    200,
	})
	require.NoError(t, err)
	require.Len(t, got["PROJ"], 1)
	assert.Equal(t, "PROJ-1", got["PROJ"][0].Identifier)
}

func TestBulkListIssuesEmptyProjectList(t *testing.T) {
	c := NewClient("http://unused.invalid", httpx.Options{})
	got, err := c.BulkListIssues(context.Background(), BulkRequest{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCreateIssueRequiresTitle(t *testing.T) {
	c := NewClient("http://unused.invalid", httpx.Options{})
	_, err := c.CreateIssue(context.Background(), "PROJ", CreatePayload{})
	require.Error(t, err)
}

func TestFindByTitleExactMatchOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Fix login", r.URL.Query().Get("title"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"issues": []Issue{
				{Identifier: "PROJ-1", Title: "Fix login page"},
				{Identifier: "PROJ-2", Title: "Fix login"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, httpx.Options{})
	got, err := c.FindByTitle(context.Background(), "PROJ", "Fix login")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "PROJ-2", got.Identifier)
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	b, err := json.Marshal(Millis(now))
	require.NoError(t, err)
	assert.Equal(t, "1773480413000", string(b))

	var m Millis
	require.NoError(t, json.Unmarshal(b, &m))
	assert.True(t, m.Time().Equal(now))

	var zero Millis
	require.NoError(t, json.Unmarshal([]byte("0"), &zero))
	assert.True(t, zero.IsZero())
}

func TestProjectRepoPath(t *testing.T) {
	cases := []struct {
		desc string
		want string
	}{
		{"Main repo.\nFilesystem: /srv/repos/proj\nOwner: infra", "/srv/repos/proj"},
		{"Path: /home/dev/work", "/home/dev/work"},
		{"Directory:/opt/src", "/opt/src"},
		{"Location: relative/path", ""},
		{"No markers here", ""},
	}
	for _, tc := range cases {
		p := Project{Description: tc.desc}
		assert.Equal(t, tc.want, p.RepoPath(), "description %q", tc.desc)
	}
}
