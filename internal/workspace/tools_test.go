package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLMario/metric-explorer/internal/reasoning/investigation"
)

func newExecutor(t *testing.T) (*ToolExecutor, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, AnalysisFilesDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, AnalysisFilesDir, "sales.csv"),
		[]byte("date,region,revenue\n2024-01-01,US,10\n2024-01-02,EU,7\n"), 0o644))
	return NewToolExecutor(root, 10*time.Second, nil), root
}

func TestAgentToolsSchema(t *testing.T) {
	tools := AgentTools()
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
		assert.Equal(t, "object", tool.Parameters["type"], tool.Name)
	}
	assert.Equal(t, []string{"Read", "Write", "Bash", "Glob", "Grep", "Conclude"}, names)
}

func TestResolveRejectsEscapes(t *testing.T) {
	e, root := newExecutor(t)

	p, err := e.Resolve("analysis/files/sales.csv")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "analysis", "files", "sales.csv"), p)

	for _, bad := range []string{"../outside.txt", "analysis/../../x", "/etc/passwd"} {
		_, err := e.Resolve(bad)
		assert.ErrorIs(t, err, ErrPathEscapesRoot, bad)
	}

	_, err = e.Execute(context.Background(), ToolRead, map[string]interface{}{"file_path": "../secret"})
	assert.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestReadWithOffsetAndLimit(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()

	out, err := e.Execute(ctx, ToolRead, map[string]interface{}{"file_path": "analysis/files/sales.csv"})
	require.NoError(t, err)
	assert.Contains(t, out, "     1\tdate,region,revenue")
	assert.Contains(t, out, "     3\t2024-01-02,EU,7")

	out, err = e.Execute(ctx, ToolRead, map[string]interface{}{"file_path": "analysis/files/sales.csv", "offset": float64(2), "limit": float64(1)})
	require.NoError(t, err)
	assert.Equal(t, "     2\t2024-01-01,US,10\n", out)
}

func TestWriteTracksScriptsAndArtifacts(t *testing.T) {
	e, root := newExecutor(t)
	ctx := context.Background()

	_, err := e.Execute(ctx, ToolWrite, map[string]interface{}{"file_path": "analysis/scripts/by_region.py", "content": "print('hi')\n"})
	require.NoError(t, err)
	_, err = e.Execute(ctx, ToolWrite, map[string]interface{}{"file_path": "analysis/out/summary.txt", "content": "x"})
	require.NoError(t, err)

	assert.Equal(t, []string{"analysis/scripts/by_region.py"}, e.Scripts())
	assert.Equal(t, []string{"analysis/out/summary.txt"}, e.Artifacts())
	b, err := os.ReadFile(filepath.Join(root, "analysis", "scripts", "by_region.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(b))
}

func TestBash(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()

	out, err := e.Execute(ctx, ToolBash, map[string]interface{}{"command": "wc -l < analysis/files/sales.csv"})
	require.NoError(t, err)
	assert.Equal(t, "3", strings.TrimSpace(out))

	out, err = e.Execute(ctx, ToolBash, map[string]interface{}{"command": "echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.Contains(t, out, "oops")
	assert.Contains(t, out, "exit status 3")

	out, err = e.Execute(ctx, ToolBash, map[string]interface{}{"command": "head -c 40000 /dev/zero | tr '\\0' a"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "(output truncated)"))
	assert.Less(t, len(out), MaxOutputBytes+100)
}

func TestBashTimeout(t *testing.T) {
	e, _ := newExecutor(t)
	out, err := e.Execute(context.Background(), ToolBash, map[string]interface{}{"command": "sleep 5", "timeout": float64(1)})
	require.NoError(t, err)
	assert.Contains(t, out, "timed out")
}

func TestGlobAndGrep(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()
	_, err := e.Execute(ctx, ToolWrite, map[string]interface{}{"file_path": "analysis/scripts/a.py", "content": "import pandas as pd\n"})
	require.NoError(t, err)

	out, err := e.Execute(ctx, ToolGlob, map[string]interface{}{"pattern": "analysis/files/*.csv"})
	require.NoError(t, err)
	assert.Equal(t, "analysis/files/sales.csv", out)

	out, err = e.Execute(ctx, ToolGlob, map[string]interface{}{"pattern": "**/*.py"})
	require.NoError(t, err)
	assert.Equal(t, "analysis/scripts/a.py", out)

	out, err = e.Execute(ctx, ToolGrep, map[string]interface{}{"pattern": "EU", "glob": "*.csv"})
	require.NoError(t, err)
	assert.Equal(t, "analysis/files/sales.csv:3:2024-01-02,EU,7", out)

	out, err = e.Execute(ctx, ToolGrep, map[string]interface{}{"pattern": "nothing-here"})
	require.NoError(t, err)
	assert.Equal(t, "No matches found", out)
}

func TestConclude(t *testing.T) {
	e, _ := newExecutor(t)
	ctx := context.Background()

	_, ok := e.Verdict()
	assert.False(t, ok)

	_, err := e.Execute(ctx, ToolConclude, map[string]interface{}{"outcome": "MAYBE"})
	assert.Error(t, err)

	_, err = e.Execute(ctx, ToolConclude, map[string]interface{}{
		"outcome":     "confirmed",
		"evidence":    "EU revenue fell 40%",
		"confidence":  "high",
		"key_metrics": []interface{}{"EU: -40%", "US: +2%"},
	})
	require.NoError(t, err)

	v, ok := e.Verdict()
	require.True(t, ok)
	assert.Equal(t, investigation.OutcomeConfirmed, v.Outcome)
	assert.Equal(t, investigation.ConfidenceHigh, v.Confidence)
	assert.Equal(t, []string{"EU: -40%", "US: +2%"}, v.KeyMetrics)
}

func TestUnknownTool(t *testing.T) {
	e, _ := newExecutor(t)
	_, err := e.Execute(context.Background(), "Delete", nil)
	assert.Error(t, err)
}
