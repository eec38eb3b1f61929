package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MLMario/metric-explorer/internal/config"
	"github.com/MLMario/metric-explorer/internal/llm/adapter"
	"github.com/MLMario/metric-explorer/internal/memory/vector"
	"github.com/MLMario/metric-explorer/internal/workspace"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Session.StoragePath = filepath.Join(dir, "sessions")
	cfg.Database.SQLitePath = filepath.Join(dir, "index.db")
	cfg.Logging.AuditLogPath = filepath.Join(dir, "logs", "audit.log")
	cfg.Logging.Level = "error"
	cfg.Memory.Backend = vector.BackendSQLite
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, vector.BackendSQLite, a.Memory.Backend())
	assert.NotNil(t, a.Engine)
	assert.ErrorIs(t, a.LLMUnavailable, adapter.ErrProviderNotConfigured)
	assert.DirExists(t, a.Config.Session.StoragePath)
	assert.NoError(t, a.Store.Ping(context.Background()))

	srv, err := a.NewServer()
	require.NoError(t, err)
	assert.False(t, srv.IsRunning())
}

func TestNewFallsBackWhenMemoryStoreIsUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.Backend = vector.BackendWeaviate
	cfg.Memory.WeaviateHost = ""

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, vector.BackendNone, a.Memory.Backend())
}

func TestNewRejectsBadLogLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Logging.Level = "loud"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestRunSessionErrors(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.RunSession(context.Background(), "missing")
	assert.ErrorIs(t, err, workspace.ErrSessionNotFound)

	root := filepath.Join(a.Config.Session.StoragePath, "empty")
	require.NoError(t, os.MkdirAll(root, 0o755))
	_, err = a.RunSession(context.Background(), "empty")
	assert.ErrorIs(t, err, workspace.ErrNoFiles)

	runErr, err := workspace.ReadError(root)
	require.NoError(t, err)
	assert.Contains(t, runErr.Error, "no files")
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 18931
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.Serve(ctx))
}
