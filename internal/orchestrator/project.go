package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/config"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/huly"
	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

// fetchProjects pulls the Huly project list, upserts each into the mapping
// store, and resolves the Vibe board binding for projects that need one.
// Archived projects are dropped from the cycle but their rows are kept.
func (o *Orchestrator) fetchProjects(ctx context.Context, cfg *config.Config) ([]*types.Project, error) {
	upstream, err := o.huly.ListProjects(ctx)
	if err != nil {
		return nil, err
	}

	var out []*types.Project
	for i := range upstream {
		hp := &upstream[i]
		if hp.Archived {
			continue
		}

		stored, err := o.store.GetProject(ctx, hp.Identifier)
		if err != nil {
			return nil, err
		}

		p := &types.Project{
			Identifier: hp.Identifier,
			Name:       hp.Name,
			RepoPath:   hp.RepoPath(),
		}
		if stored != nil {
			p.VibeProjectID = stored.VibeProjectID
			p.AgentID = stored.AgentID
			p.LastSyncAt = stored.LastSyncAt
		}

		if o.vibe != nil && p.VibeProjectID == "" && !cfg.DryRun {
			if id, err := o.ensureBoard(ctx, hp.Name); err != nil {
				// A missing board only disables the Vibe direction for this
				// project; the cycle carries on.
				o.log.Warn("board resolution failed",
					zap.String("project", hp.Identifier), zap.Error(err))
			} else {
				p.VibeProjectID = id
			}
		}

		if err := o.store.UpsertProject(ctx, p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	if o.metrics != nil {
		o.metrics.ProjectsTracked.Set(float64(len(out)))
	}
	return out, nil
}

// ensureBoard finds the Vibe board named after the project, creating it when
// absent, and returns its UUID.
func (o *Orchestrator) ensureBoard(ctx context.Context, name string) (string, error) {
	board, err := o.vibe.FindBoardByName(ctx, name)
	if err != nil {
		return "", err
	}
	if board != nil {
		return board.ID, nil
	}
	board, err = o.vibe.CreateBoard(ctx, name)
	if err != nil {
		return "", err
	}
	o.log.Info("created board", zap.String("name", name), zap.String("board_id", board.ID))
	return board.ID, nil
}

// topoSort orders issues parent-first so child creation can always reference
// an existing counterpart. Orphan parents and cycles degrade gracefully: the
// remainder is appended in input order.
func topoSort(issues []huly.Issue) []huly.Issue {
	known := make(map[string]int, len(issues))
	for i := range issues {
		known[issues[i].Identifier] = i
	}

	out := make([]huly.Issue, 0, len(issues))
	emitted := make(map[string]bool, len(issues))

	for len(out) < len(issues) {
		progressed := false
		for i := range issues {
			id := issues[i].Identifier
			if emitted[id] {
				continue
			}
			parent := issues[i].ParentIssue
			if _, inSet := known[parent]; parent == "" || !inSet || emitted[parent] {
				out = append(out, issues[i])
				emitted[id] = true
				progressed = true
			}
		}
		if !progressed {
			// Parent cycle; emit the rest as-is.
			for i := range issues {
				if !emitted[issues[i].Identifier] {
					out = append(out, issues[i])
				}
			}
			break
		}
	}
	return out
}

// batches splits issues into slices of at most size.
func batches(issues []huly.Issue, size int) [][]huly.Issue {
	if size <= 0 {
		size = 25
	}
	var out [][]huly.Issue
	for len(issues) > size {
		out = append(out, issues[:size])
		issues = issues[size:]
	}
	if len(issues) > 0 {
		out = append(out, issues)
	}
	return out
}
