// Package vibe is the typed client for the Vibe kanban REST API and its
// server-sent event stream.
package vibe

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/httpx"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
)

// Client talks to one Vibe instance.
type Client struct {
	rest    *httpx.Client
	baseURL string
	token   string
	log     *zap.Logger
}

// NewClient creates a Vibe client bound to baseURL.
func NewClient(baseURL string, opts httpx.Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		rest:    httpx.New(baseURL, opts),
		baseURL: baseURL,
		token:   opts.Token,
		log:     log,
	}
}

// ListBoards returns all kanban boards.
func (c *Client) ListBoards(ctx context.Context) ([]Board, error) {
	var boards []Board
	if err := c.rest.Get(ctx, "vibe.ListBoards", "/api/projects", &boards); err != nil {
		return nil, err
	}
	return boards, nil
}

// ListTasks returns all tasks on a board.
func (c *Client) ListTasks(ctx context.Context, projectID string) ([]Task, error) {
	var tasks []Task
	path := "/api/projects/" + url.PathEscape(projectID) + "/tasks"
	if err := c.rest.Get(ctx, "vibe.ListTasks", path, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches one task by UUID. Returns (nil, nil) when it does not exist.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := c.rest.Get(ctx, "vibe.GetTask", "/api/tasks/"+url.PathEscape(taskID), &task)
	if syncerr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CreateTask creates a task on the board and returns the stored record with
// its server-assigned UUID.
func (c *Client) CreateTask(ctx context.Context, projectID string, payload TaskPayload) (*Task, error) {
	if payload.Title == "" {
		return nil, syncerr.Newf(syncerr.KindValidation, "vibe.CreateTask", "title is required")
	}
	var task Task
	path := "/api/projects/" + url.PathEscape(projectID) + "/tasks"
	if err := c.rest.Post(ctx, "vibe.CreateTask", path, payload, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask applies a partial update. fields holds only the keys to change,
// e.g. {"status": "Done"}.
func (c *Client) UpdateTask(ctx context.Context, taskID string, fields map[string]interface{}) (*Task, error) {
	if len(fields) == 0 {
		return c.GetTask(ctx, taskID)
	}
	var task Task
	path := "/api/tasks/" + url.PathEscape(taskID)
	if err := c.rest.Patch(ctx, "vibe.UpdateTask", path, fields, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask removes a task. Deleting an already-absent task is not an error.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	err := c.rest.Delete(ctx, "vibe.DeleteTask", "/api/tasks/"+url.PathEscape(taskID))
	if syncerr.IsNotFound(err) {
		return nil
	}
	return err
}

// FindBoardByName returns the board with the exact name, or (nil, nil).
func (c *Client) FindBoardByName(ctx context.Context, name string) (*Board, error) {
	boards, err := c.ListBoards(ctx)
	if err != nil {
		return nil, err
	}
	for i := range boards {
		if boards[i].Name == name {
			return &boards[i], nil
		}
	}
	return nil, nil
}

// CreateBoard creates a kanban board.
func (c *Client) CreateBoard(ctx context.Context, name string) (*Board, error) {
	var board Board
	body := map[string]string{"name": name}
	if err := c.rest.Post(ctx, "vibe.CreateBoard", "/api/projects", body, &board); err != nil {
		return nil, err
	}
	return &board, nil
}
