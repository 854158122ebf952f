// Package dedupe provides the per-project duplicate-detection index.
//
// The index is a short-TTL cache derived from the mapping store. Lookups are
// mapping-first: a hit here returns the stored cross-ID without touching any
// upstream API, which is what keeps title searches off the hot path.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/types"
)

// DefaultTTL is how long a built index is served before it is rebuilt.
const DefaultTTL = 15 * time.Second

// IssueLister is the slice of the mapping store the index needs.
type IssueLister interface {
	GetProjectIssues(ctx context.Context, projectID string) ([]*types.Issue, error)
}

// Index is a snapshot of one project's issues keyed three ways. It is
// immutable once built; Cache hands out whole snapshots.
type Index struct {
	ProjectID string
	BuiltAt   time.Time

	byBeadsID     map[string]*types.Issue
	byIdentifier  map[string]*types.Issue
	byNormalized  map[string]*types.Issue
	byVibeTaskID  map[string]*types.Issue
}

// Build constructs an index from the given rows.
func Build(projectID string, issues []*types.Issue) *Index {
	idx := &Index{
		ProjectID:    projectID,
		BuiltAt:      time.Now(),
		byBeadsID:    make(map[string]*types.Issue, len(issues)),
		byIdentifier: make(map[string]*types.Issue, len(issues)),
		byNormalized: make(map[string]*types.Issue, len(issues)),
		byVibeTaskID: make(map[string]*types.Issue, len(issues)),
	}
	for _, is := range issues {
		if is.BeadsIssueID != "" {
			idx.byBeadsID[is.BeadsIssueID] = is
		}
		if is.VibeTaskID != "" {
			idx.byVibeTaskID[is.VibeTaskID] = is
		}
		idx.byIdentifier[is.HulyIdentifier] = is
		if key := Normalize(is.Title); key != "" {
			// First writer wins: invariant 2 says a duplicate normalized
			// title is itself the dedupe signal, so keep the earliest row
			// and let the sync pass reconcile the other.
			if _, ok := idx.byNormalized[key]; !ok {
				idx.byNormalized[key] = is
			}
		}
	}
	return idx
}

// ByBeadsID looks up an issue by its beads cross-ID.
func (i *Index) ByBeadsID(id string) *types.Issue { return i.byBeadsID[id] }

// ByVibeTaskID looks up an issue by its vibe task UUID.
func (i *Index) ByVibeTaskID(id string) *types.Issue { return i.byVibeTaskID[id] }

// ByIdentifier looks up an issue by its Huly identifier.
func (i *Index) ByIdentifier(id string) *types.Issue { return i.byIdentifier[id] }

// ByTitle looks up an issue by normalized title.
func (i *Index) ByTitle(title string) *types.Issue {
	return i.byNormalized[Normalize(title)]
}

// Len returns the number of indexed rows.
func (i *Index) Len() int { return len(i.byIdentifier) }

// Cache builds and serves per-project indexes with a TTL. A cycle disposes
// of its project's entry at the end via Invalidate, so cross-cycle reuse
// only happens for rapid-fire event-driven syncs.
type Cache struct {
	store IssueLister
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]*Index
}

// NewCache creates a cache over the given store. ttl <= 0 uses DefaultTTL.
func NewCache(store IssueLister, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]*Index),
	}
}

// Get returns the current index for the project, rebuilding it when missing
// or expired.
func (c *Cache) Get(ctx context.Context, projectID string) (*Index, error) {
	c.mu.Lock()
	if idx, ok := c.entries[projectID]; ok && time.Since(idx.BuiltAt) < c.ttl {
		c.mu.Unlock()
		return idx, nil
	}
	c.mu.Unlock()

	issues, err := c.store.GetProjectIssues(ctx, projectID)
	if err != nil {
		return nil, err
	}
	idx := Build(projectID, issues)

	c.mu.Lock()
	c.entries[projectID] = idx
	c.mu.Unlock()
	return idx, nil
}

// Invalidate drops the cached index for the project. Called after any write
// that changes mappings, and at cycle end.
func (c *Cache) Invalidate(projectID string) {
	c.mu.Lock()
	delete(c.entries, projectID)
	c.mu.Unlock()
}
