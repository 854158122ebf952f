package huly

import (
	"encoding/json"
	"strings"
	"time"
)

// Millis is a timestamp carried on the wire as epoch milliseconds.
type Millis time.Time

// Time returns the underlying time value.
func (m Millis) Time() time.Time { return time.Time(m) }

// IsZero reports whether the timestamp is unset.
func (m Millis) IsZero() bool { return time.Time(m).IsZero() }

func (m Millis) MarshalJSON() ([]byte, error) {
	if m.IsZero() {
		return []byte("0"), nil
	}
	return json.Marshal(time.Time(m).UnixMilli())
}

func (m *Millis) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	if ms == 0 {
		*m = Millis(time.Time{})
		return nil
	}
	*m = Millis(time.UnixMilli(ms).UTC())
	return nil
}

// Project is a tracker project record.
type Project struct {
	ID          string `json:"_id"`
	Identifier  string `json:"identifier"` // short uppercase tag, e.g. "PROJ"
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Archived    bool   `json:"archived,omitempty"`
}

// Issue is a tracker issue record.
type Issue struct {
	ID          string `json:"_id"`
	Identifier  string `json:"identifier"` // e.g. "PROJ-123"
	Project     string `json:"project"`    // project identifier
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`   // display name, e.g. "In Progress"
	Priority    string `json:"priority"` // display name, e.g. "High"
	ModifiedOn  Millis `json:"modifiedOn"`
	ParentIssue string `json:"parentIssue,omitempty"` // parent identifier
	SubIssues   int    `json:"subIssues,omitempty"`
}

// BulkRequest asks for issues across several projects in one call.
type BulkRequest struct {
	Projects []string `json:"projects"`
	Since    Millis   `json:"since,omitempty"`
	Fields   []string `json:"fields,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// BulkResponse carries the bulk fetch result grouped by project.
type BulkResponse struct {
	Issues map[string][]Issue `json:"issues"` // project identifier → issues
	Total  int                `json:"total"`
}

// CreatePayload is the body for issue creation.
type CreatePayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
	ParentIssue string `json:"parentIssue,omitempty"`
}

// WebhookPayload is the change notification Huly POSTs to the engine.
type WebhookPayload struct {
	Projects []WebhookProject `json:"projects"`
}

// WebhookProject is one project's change set inside a webhook delivery.
type WebhookProject struct {
	Identifier string   `json:"identifier"`
	Issues     []string `json:"issues,omitempty"` // prefetched issue identifiers
}

// Description-embedded repo path markers. A project opts into beads-side
// sync by carrying one of these lines in its description.
var repoPathMarkers = []string{"Filesystem:", "Path:", "Directory:", "Location:"}

// RepoPath extracts the git repo path from a project description. Only
// absolute paths are accepted; anything else is ignored.
func (p *Project) RepoPath() string {
	for _, line := range strings.Split(p.Description, "\n") {
		line = strings.TrimSpace(line)
		for _, marker := range repoPathMarkers {
			if !strings.HasPrefix(line, marker) {
				continue
			}
			path := strings.TrimSpace(strings.TrimPrefix(line, marker))
			if strings.HasPrefix(path, "/") {
				return path
			}
		}
	}
	return ""
}
