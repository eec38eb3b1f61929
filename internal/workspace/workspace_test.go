package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

func seedSession(t *testing.T, base, sessionID string) string {
	t.Helper()
	root := filepath.Join(base, sessionID)
	files := filepath.Join(root, FilesDir)
	require.NoError(t, os.MkdirAll(files, 0o755))

	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(files, name), []byte(content), 0o644))
	}
	write("b2.csv", "date,region,revenue\n2024-01-01,US,10\n")
	require.NoError(t, SaveFileMeta(root, "b2", FileMeta{OriginalName: "sales.csv", Description: "daily sales"}))
	write("a1.csv", "region,manager\nUS,Ann\n")
	require.NoError(t, SaveFileMeta(root, "a1", FileMeta{OriginalName: "regions.csv"}))
	// Sidecar without a CSV is ignored.
	require.NoError(t, SaveFileMeta(root, "orphan", FileMeta{OriginalName: "gone.csv"}))
	return root
}

func TestResolverRejectsTraversal(t *testing.T) {
	r := NewResolver("/data/sessions")

	root, err := r.Root("abc")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/sessions", "abc"), root)

	for _, bad := range []string{"", ".", "..", "../etc", "a/b", `a\b`} {
		_, err := r.Root(bad)
		assert.ErrorIs(t, err, ErrInvalidSessionID, bad)
	}

	_, err = r.Existing("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLoadState(t *testing.T) {
	base := t.TempDir()
	root := seedSession(t, base, "s1")

	require.NoError(t, SaveContext(root, Context{
		TargetMetric:     "revenue",
		MetricDefinition: "sum of order value",
		BaselinePeriod:   investigation.DateRange{Start: "2024-01-01", End: "2024-01-31"},
		ComparisonPeriod: investigation.DateRange{Start: "2024-02-01", End: "2024-02-29"},
	}))

	st, err := LoadState(root, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", st.SessionID)
	assert.Equal(t, investigation.StatusRunning, st.Status)
	assert.Equal(t, "revenue", st.TargetMetric)
	assert.Equal(t, "2024-02-01 to 2024-02-29", st.ComparisonPeriod.String())

	require.Len(t, st.Files, 2)
	assert.Equal(t, "a1", st.Files[0].FileID)
	assert.Equal(t, "regions.csv", st.Files[0].Name)
	assert.Equal(t, "b2", st.Files[1].FileID)
	assert.Equal(t, "daily sales", st.Files[1].Description)
	assert.Equal(t, filepath.Join(root, FilesDir, "b2.csv"), st.Files[1].Path)

	c, err := LoadContext(root)
	require.NoError(t, err)
	assert.NotEmpty(t, c.SubmittedAt)
}

func TestLoadStateWithoutFiles(t *testing.T) {
	root := t.TempDir()
	_, err := LoadState(root, "empty")
	assert.True(t, errors.Is(err, ErrNoFiles))
}

func TestWriteError(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, WriteError(root, errors.New("graph exploded")))

	e, err := ReadError(root)
	require.NoError(t, err)
	assert.Equal(t, "graph exploded", e.Error)
	assert.NotEmpty(t, e.Timestamp)
}

func TestStagerCopiesOnlyDataFiles(t *testing.T) {
	base := t.TempDir()
	root := seedSession(t, base, "s1")
	// A CSV whose name contains _meta is never staged.
	require.NoError(t, os.WriteFile(filepath.Join(root, FilesDir, "x_meta.csv"), []byte("a\n1\n"), 0o644))

	stager := NewStager(NewResolver(base), nil)
	target := filepath.Join(root, AnalysisFilesDir)
	copied, err := stager.CopyFiles("s1", target)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(target, "a1.csv"), filepath.Join(target, "b2.csv")}, copied)
	b, err := os.ReadFile(filepath.Join(target, "b2.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "revenue")

	// Originals untouched.
	_, err = os.Stat(filepath.Join(root, FilesDir, "b2.csv"))
	assert.NoError(t, err)
}

func TestStagerWithoutFilesDir(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "s2"), 0o755))

	copied, err := NewStager(NewResolver(base), nil).CopyFiles("s2", filepath.Join(base, "s2", AnalysisFilesDir))
	require.NoError(t, err)
	assert.Empty(t, copied)
}
