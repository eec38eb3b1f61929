package vector

// Package vector provides the external memory store: the place a finished
// investigation's working-memory document is kept for later retrieval.
//
// The store is optional. With no backend configured every call returns an
// error wrapping ErrNotConfigured and the engine keeps the local
// memory_document.md as the only copy.
//
// Supported Backends:
//   - none:     disabled (default)
//   - sqlite:   memory_documents + memory_chunks tables of the run index
//   - weaviate: one object per chunk in a Weaviate class
//
// Documents are split into overlapping chunks before storage so each
// retrieval unit stays within embedding limits. Every store call is counted
// in metric_explorer_memory_store_operations_total by backend and status.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/db"
)

// ErrNotConfigured is returned by the disabled backend.
var ErrNotConfigured = errors.New("memory store not configured")

// Backend names.
const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendWeaviate = "weaviate"
)

// Metadata keys stored with every document.
const (
	MetaTargetMetric = "target_metric"
	MetaSummary      = "summary"
)

// Store keeps memory documents.
type Store interface {
	// StoreDocument stores content for a session and returns the document id.
	StoreDocument(ctx context.Context, sessionID, content string, metadata map[string]string) (string, error)

	// Backend names the backend in logs and metrics.
	Backend() string
}

// Config selects and configures a backend.
type Config struct {
	Backend        string
	WeaviateHost   string
	WeaviateScheme string
	WeaviateClass  string
	ChunkSize      int
	ChunkOverlap   int
}

// New builds the configured backend. docs is required for the sqlite
// backend only.
func New(ctx context.Context, cfg Config, docs db.MemoryDocumentStore, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	splitter := NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap)

	switch strings.ToLower(cfg.Backend) {
	case "", BackendNone:
		return Disabled(), nil
	case BackendSQLite:
		if docs == nil {
			return nil, errors.New("sqlite memory backend requires a database")
		}
		return NewSQLiteStore(docs, splitter, logger), nil
	case BackendWeaviate:
		return NewWeaviateStore(ctx, WeaviateConfig{
			Host:   cfg.WeaviateHost,
			Scheme: cfg.WeaviateScheme,
			Class:  cfg.WeaviateClass,
		}, splitter, logger)
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// ─── Disabled ─────────────────────────────────────────────────────────────────

type disabledStore struct{}

// Disabled returns the backend used when no store is configured.
func Disabled() Store { return disabledStore{} }

func (disabledStore) StoreDocument(context.Context, string, string, map[string]string) (string, error) {
	return "", ErrNotConfigured
}

func (disabledStore) Backend() string { return BackendNone }
