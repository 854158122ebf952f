package vibe

import (
	"context"
	"net/url"
	"time"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/httpx"
)

// SidecarClient posts board snapshots to the monitoring sidecar. The feed is
// best effort; callers log and move on when a post fails.
type SidecarClient struct {
	rest *httpx.Client
}

// NewSidecarClient creates a client for the sidecar at baseURL.
func NewSidecarClient(baseURL string, opts httpx.Options) *SidecarClient {
	return &SidecarClient{rest: httpx.New(baseURL, opts)}
}

type snapshotPayload struct {
	ProjectID  string    `json:"project_id"`
	CapturedAt time.Time `json:"captured_at"`
	Tasks      []Task    `json:"tasks"`
}

// PostSnapshot uploads the current board state for one project.
func (c *SidecarClient) PostSnapshot(ctx context.Context, projectID string, tasks []Task) error {
	return c.rest.Post(ctx, "sidecar.PostSnapshot",
		"/api/projects/"+url.PathEscape(projectID)+"/snapshot",
		snapshotPayload{ProjectID: projectID, CapturedAt: time.Now().UTC(), Tasks: tasks}, nil)
}
