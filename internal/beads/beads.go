// Package beads drives the per-repo bd issue tracker through its CLI.
//
// Every operation shells out to bd inside the project's git worktree with
// --json output. bd failures are surfaced as classified errors but the
// engine treats this side as best-effort: a repo with no bd database simply
// opts out of beads sync.
package beads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
)

const commandTimeout = 30 * time.Second

// Issue is one bd issue as serialized by `bd ... --json` and the JSONL
// snapshot.
type Issue struct {
	ID          string    `json:"id"` // e.g. "proj-42"
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`   // open | in_progress | blocked | deferred | closed
	Priority    int       `json:"priority"` // 0 (critical) .. 4 (backlog)
	IssueType   string    `json:"issue_type,omitempty"`
	Labels      []string  `json:"labels,omitempty"` // backlink labels, h:<identifier> and vibe:<uuid>
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
	ClosedAt    time.Time `json:"closed_at,omitempty"`
}

// Client runs bd inside one repository.
type Client struct {
	repoPath string
	binary   string
	log      *zap.Logger
}

// NewClient creates a bd client for the repository at repoPath.
func NewClient(repoPath string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{repoPath: repoPath, binary: "bd", log: log}
}

// RepoPath returns the worktree this client operates in.
func (c *Client) RepoPath() string { return c.repoPath }

// Available reports whether this repo can be synced: bd is on PATH and the
// repo carries a .beads database.
func (c *Client) Available() bool {
	if _, err := exec.LookPath(c.binary); err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(c.repoPath, ".beads"))
	return err == nil && info.IsDir()
}

// List returns all issues in the repo.
func (c *Client) List(ctx context.Context) ([]Issue, error) {
	out, err := c.run(ctx, "list", "--all", "--json")
	if err != nil {
		return nil, err
	}
	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, syncerr.Newf(syncerr.KindValidation, "beads.List", "decode bd output: %v", err)
	}
	return issues, nil
}

// Show fetches one issue by ID. Returns (nil, nil) when it does not exist.
func (c *Client) Show(ctx context.Context, id string) (*Issue, error) {
	out, err := c.run(ctx, "show", id, "--json")
	if syncerr.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, syncerr.Newf(syncerr.KindValidation, "beads.Show", "decode bd output: %v", err)
	}
	return &issue, nil
}

// Create makes a new issue and returns the stored record with its assigned ID.
func (c *Client) Create(ctx context.Context, title, description string, priority int) (*Issue, error) {
	if title == "" {
		return nil, syncerr.Newf(syncerr.KindValidation, "beads.Create", "title is required")
	}
	args := []string{"create", title, "-p", strconv.Itoa(priority), "--json"}
	if description != "" {
		args = append(args, "-d", description)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, syncerr.Newf(syncerr.KindValidation, "beads.Create", "decode bd output: %v", err)
	}
	return &issue, nil
}

// Update applies field changes to an issue. fields maps bd flag names to
// values, e.g. {"status": "in_progress", "priority": "1"}.
func (c *Client) Update(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := []string{"update", id}
	for k, v := range fields {
		args = append(args, "--"+k, v)
	}
	args = append(args, "--json")
	_, err := c.run(ctx, args...)
	return err
}

// Label attaches a label to an issue. Used for the cross-system backlinks
// (h:<identifier>, vibe:<uuid>).
func (c *Client) Label(ctx context.Context, id, label string) error {
	_, err := c.run(ctx, "label", "add", id, label, "--json")
	return err
}

// Close marks an issue closed.
func (c *Client) Close(ctx context.Context, id, reason string) error {
	args := []string{"close", id}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := c.run(ctx, args...)
	return err
}

// ReadSnapshot parses the committed JSONL export without invoking bd. Used
// for the cheap change probe and the admin review feed.
func (c *Client) ReadSnapshot() ([]Issue, error) {
	path := filepath.Join(c.repoPath, ".beads", "issues.jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.New(syncerr.KindTransient, "beads.ReadSnapshot", err)
	}

	var issues []Issue
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var issue Issue
		if err := json.Unmarshal(line, &issue); err != nil {
			// Tolerate trailing partial writes; bd rewrites the file atomically
			// but a reader can race the rename.
			c.log.Debug("skipping unparsable snapshot line", zap.Error(err))
			continue
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// Commit stages and commits the .beads directory so synced changes travel
// with the repo. A clean tree is not an error.
func (c *Client) Commit(ctx context.Context, message string) error {
	if _, err := c.git(ctx, "add", ".beads"); err != nil {
		return err
	}
	if _, err := c.git(ctx, "diff", "--cached", "--quiet", "--", ".beads"); err == nil {
		return nil // nothing staged
	}
	if _, err := c.git(ctx, "commit", "-m", message, "--", ".beads"); err != nil {
		return err
	}
	return nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	op := "beads." + args[0]
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "no such issue") {
			return nil, syncerr.Newf(syncerr.KindNotFound, op, "%s", msg)
		}
		if ctx.Err() != nil {
			return nil, syncerr.New(syncerr.KindTransient, op, ctx.Err())
		}
		return nil, syncerr.Newf(syncerr.KindTransient, op, "bd %s: %v: %s", args[0], err, msg)
	}
	return stdout.Bytes(), nil
}

func (c *Client) git(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.repoPath
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
