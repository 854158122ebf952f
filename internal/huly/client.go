// Package huly is the typed client for the Huly tracker REST API.
package huly

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/httpx"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
)

const projectCacheTTL = 30 * time.Second

// Client talks to one Huly workspace.
type Client struct {
	rest *httpx.Client
	log  *zap.Logger

	mu             sync.Mutex
	cachedProjects []Project
	cachedAt       time.Time
}

// NewClient creates a Huly client bound to baseURL.
func NewClient(baseURL string, opts httpx.Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{rest: httpx.New(baseURL, opts), log: log}
}

// ListProjects returns all projects. Results are memoized briefly because the
// project list is re-read at the top of every orchestration and barely moves.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	c.mu.Lock()
	if c.cachedProjects != nil && time.Since(c.cachedAt) < projectCacheTTL {
		out := c.cachedProjects
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	var resp struct {
		Projects []Project `json:"projects"`
	}
	if err := c.rest.Get(ctx, "huly.ListProjects", "/api/projects", &resp); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cachedProjects = resp.Projects
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return resp.Projects, nil
}

// InvalidateProjects drops the project cache. Called after project mutations.
func (c *Client) InvalidateProjects() {
	c.mu.Lock()
	c.cachedProjects = nil
	c.mu.Unlock()
}

// BulkListIssues fetches issues for several projects in one round trip,
// grouped by project identifier. Since (if set) restricts to issues modified
// after that instant.
func (c *Client) BulkListIssues(ctx context.Context, req BulkRequest) (map[string][]Issue, error) {
	if len(req.Projects) == 0 {
		return map[string][]Issue{}, nil
	}
	var resp BulkResponse
	if err := c.rest.Post(ctx, "huly.BulkListIssues", "/api/issues/bulk", req, &resp); err != nil {
		return nil, err
	}
	if resp.Issues == nil {
		resp.Issues = map[string][]Issue{}
	}
	return resp.Issues, nil
}

// GetIssue fetches one issue by identifier. Returns (nil, nil) when the issue
// does not exist.
func (c *Client) GetIssue(ctx context.Context, identifier string) (*Issue, error) {
	var issue Issue
	err := c.rest.Get(ctx, "huly.GetIssue", "/api/issues/"+url.PathEscape(identifier), &issue)
	if syncerr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreateIssue creates an issue in the project and returns the stored record,
// including its server-assigned identifier.
func (c *Client) CreateIssue(ctx context.Context, project string, payload CreatePayload) (*Issue, error) {
	if payload.Title == "" {
		return nil, syncerr.Newf(syncerr.KindValidation, "huly.CreateIssue", "title is required")
	}
	var issue Issue
	path := "/api/projects/" + url.PathEscape(project) + "/issues"
	if err := c.rest.Post(ctx, "huly.CreateIssue", path, payload, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// PatchIssue applies a partial update to an issue. fields holds only the keys
// to change, e.g. {"status": "In Progress"}.
func (c *Client) PatchIssue(ctx context.Context, identifier string, fields map[string]interface{}) (*Issue, error) {
	if len(fields) == 0 {
		return c.GetIssue(ctx, identifier)
	}
	var issue Issue
	path := "/api/issues/" + url.PathEscape(identifier)
	if err := c.rest.Patch(ctx, "huly.PatchIssue", path, fields, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// FindByTitle searches one project for an issue whose title matches exactly.
// Returns (nil, nil) when no match exists.
func (c *Client) FindByTitle(ctx context.Context, project, title string) (*Issue, error) {
	var resp struct {
		Issues []Issue `json:"issues"`
	}
	path := fmt.Sprintf("/api/projects/%s/issues?title=%s",
		url.PathEscape(project), url.QueryEscape(title))
	if err := c.rest.Get(ctx, "huly.FindByTitle", path, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Issues {
		if resp.Issues[i].Title == title {
			return &resp.Issues[i], nil
		}
	}
	return nil, nil
}

// SetParent points an issue at a parent issue. An empty parent clears the
// relationship.
func (c *Client) SetParent(ctx context.Context, identifier, parent string) error {
	_, err := c.PatchIssue(ctx, identifier, map[string]interface{}{"parentIssue": parent})
	return err
}
