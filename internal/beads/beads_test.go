package beads

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap/zaptest"
)

func TestAvailableRequiresBeadsDir(t *testing.T) {
	dir := t.TempDir()
	c := NewClient(dir, zaptest.NewLogger(t))

	// No .beads directory yet; availability also depends on bd being on
	// PATH, so only the negative case is assertable everywhere.
	assert.False(t, c.Available())
}

func TestReadSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".beads"), 0o755))

	jsonl := `{"id":"proj-1","title":"First","status":"open","priority":2}
{"id":"proj-2","title":"Second","status":"closed","priority":1}

{"id":"proj-3","title":"Third","status":"in_progress","priority":0}
{"truncated partial line`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".beads", "issues.jsonl"), []byte(jsonl), 0o644))

	c := NewClient(dir, zaptest.NewLogger(t))
	issues, err := c.ReadSnapshot()
	require.NoError(t, err)
	require.Len(t, issues, 3, "blank and unparsable lines are skipped")
	assert.Equal(t, "proj-1", issues[0].ID)
	assert.Equal(t, "in_progress", issues[2].Status)
}

func TestReadSnapshotMissingFile(t *testing.T) {
	c := NewClient(t.TempDir(), zaptest.NewLogger(t))
	issues, err := c.ReadSnapshot()
	require.NoError(t, err)
	assert.Nil(t, issues)
}
