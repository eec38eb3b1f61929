package vector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MLMario/metric-explorer/internal/db"
	"github.com/MLMario/metric-explorer/internal/metrics"
)

// sqliteStore keeps documents in the run index database.
type sqliteStore struct {
	docs     db.MemoryDocumentStore
	splitter *Splitter
	logger   *zap.Logger
	now      func() time.Time
}

// NewSQLiteStore returns the sqlite backend.
func NewSQLiteStore(docs db.MemoryDocumentStore, splitter *Splitter, logger *zap.Logger) Store {
	if splitter == nil {
		splitter = NewSplitter(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sqliteStore{docs: docs, splitter: splitter, logger: logger, now: time.Now}
}

func (s *sqliteStore) Backend() string { return BackendSQLite }

func (s *sqliteStore) StoreDocument(ctx context.Context, sessionID, content string, metadata map[string]string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	doc := &db.MemoryDocument{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   content,
		Summary:   metadata[MetaSummary],
		CreatedAt: s.now(),
	}
	parts := s.splitter.Split(content)
	chunks := make([]db.MemoryChunk, len(parts))
	for i, p := range parts {
		chunks[i] = db.MemoryChunk{ID: uuid.New().String(), DocumentID: doc.ID, ChunkIndex: i, Content: p}
	}

	if err := s.docs.SaveMemoryDocument(ctx, doc, chunks); err != nil {
		metrics.MemoryStoreOperations.WithLabelValues(BackendSQLite, "error").Inc()
		return "", fmt.Errorf("store memory document: %w", err)
	}
	metrics.MemoryStoreOperations.WithLabelValues(BackendSQLite, "success").Inc()
	s.logger.Info("Memory document stored",
		zap.String("backend", BackendSQLite),
		zap.String("session_id", sessionID),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)))
	return doc.ID, nil
}
