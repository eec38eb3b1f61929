package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MLMario/metric-explorer/internal/metrics"
)

const (
	// DefaultClass is the Weaviate class memory chunks are written to.
	DefaultClass = "InvestigationMemory"

	batchSize        = 50
	batchConcurrency = 4
)

// WeaviateConfig points at a Weaviate instance.
type WeaviateConfig struct {
	Host   string // host:port, an http(s):// prefix is accepted
	Scheme string
	Class  string
}

// objectWriter writes one batch of objects and returns how many succeeded.
type objectWriter interface {
	WriteBatch(ctx context.Context, objects []*models.Object) (int, error)
}

// weaviateStore writes one object per chunk.
type weaviateStore struct {
	class    string
	writer   objectWriter
	splitter *Splitter
	logger   *zap.Logger
	now      func() time.Time
}

// NewWeaviateStore connects to Weaviate and makes sure the memory class
// exists.
func NewWeaviateStore(ctx context.Context, cfg WeaviateConfig, splitter *Splitter, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Class == "" {
		cfg.Class = DefaultClass
	}
	scheme, host := cfg.Scheme, cfg.Host
	switch {
	case strings.HasPrefix(host, "https://"):
		scheme, host = "https", strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		scheme, host = "http", strings.TrimPrefix(host, "http://")
	}
	if scheme == "" {
		scheme = "http"
	}
	if host == "" {
		return nil, errors.New("weaviate host is required")
	}

	client, err := weaviate.NewClient(weaviate.Config{Host: strings.TrimSuffix(host, "/"), Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	ready, err := client.Misc().ReadyChecker().Do(ctx)
	if err != nil || !ready {
		return nil, fmt.Errorf("weaviate at %s://%s is not ready: %v", scheme, host, err)
	}
	if err := ensureClass(ctx, client, cfg.Class, logger); err != nil {
		return nil, err
	}

	logger.Info("Weaviate memory store ready", zap.String("host", host), zap.String("class", cfg.Class))
	return newWeaviateStore(cfg.Class, &clientWriter{client: client, logger: logger}, splitter, logger), nil
}

func newWeaviateStore(class string, w objectWriter, splitter *Splitter, logger *zap.Logger) *weaviateStore {
	if splitter == nil {
		splitter = NewSplitter(0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &weaviateStore{class: class, writer: w, splitter: splitter, logger: logger, now: time.Now}
}

func (s *weaviateStore) Backend() string { return BackendWeaviate }

// StoreDocument writes the chunks in concurrent batches. The document id is
// returned when at least one chunk was stored.
func (s *weaviateStore) StoreDocument(ctx context.Context, sessionID, content string, metadata map[string]string) (string, error) {
	documentID := uuid.New().String()
	objects := s.objects(sessionID, documentID, content, metadata)
	if len(objects) == 0 {
		metrics.MemoryStoreOperations.WithLabelValues(BackendWeaviate, "error").Inc()
		return "", errors.New("memory document is empty")
	}

	var stored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for start := 0; start < len(objects); start += batchSize {
		batch := objects[start:min(start+batchSize, len(objects))]
		g.Go(func() error {
			n, err := s.writer.WriteBatch(gctx, batch)
			stored.Add(int64(n))
			return err
		})
	}
	err := g.Wait()

	switch {
	case stored.Load() == 0:
		metrics.MemoryStoreOperations.WithLabelValues(BackendWeaviate, "error").Inc()
		if err == nil {
			err = errors.New("no chunks were stored")
		}
		return "", fmt.Errorf("store memory document: %w", err)
	case err != nil || int(stored.Load()) < len(objects):
		metrics.MemoryStoreOperations.WithLabelValues(BackendWeaviate, "partial").Inc()
		s.logger.Warn("Memory document partially stored",
			zap.String("session_id", sessionID),
			zap.String("document_id", documentID),
			zap.Int64("stored", stored.Load()),
			zap.Int("chunks", len(objects)),
			zap.Error(err))
	default:
		metrics.MemoryStoreOperations.WithLabelValues(BackendWeaviate, "success").Inc()
		s.logger.Info("Memory document stored",
			zap.String("backend", BackendWeaviate),
			zap.String("session_id", sessionID),
			zap.String("document_id", documentID),
			zap.Int("chunks", len(objects)))
	}
	return documentID, nil
}

func (s *weaviateStore) objects(sessionID, documentID, content string, metadata map[string]string) []*models.Object {
	chunks := s.splitter.Split(content)
	storedAt := s.now().UnixMilli()
	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		objects[i] = &models.Object{
			Class: s.class,
			ID:    strfmt.UUID(uuid.New().String()),
			Properties: map[string]interface{}{
				"content":       chunk,
				"session_id":    sessionID,
				"document_id":   documentID,
				"chunk_index":   i,
				"target_metric": metadata[MetaTargetMetric],
				"summary":       metadata[MetaSummary],
				"stored_at":     storedAt,
			},
		}
	}
	return objects
}

// ─── Client plumbing ──────────────────────────────────────────────────────────

// memoryClass is the schema of the chunk objects. Vectors are left to the
// server's configured vectorizer.
func memoryClass(name string) *models.Class {
	filterable := new(bool)
	*filterable = true
	field := func(name, dataType, desc string) *models.Property {
		p := &models.Property{Name: name, DataType: []string{dataType}, Description: desc, IndexFilterable: filterable}
		if dataType == "text" {
			p.Tokenization = "field"
		}
		return p
	}

	content := field("content", "text", "Chunk of the working-memory document.")
	content.Tokenization = "word"
	content.IndexFilterable = nil

	return &models.Class{
		Class:       name,
		Description: "Chunks of finished metric investigations.",
		Properties: []*models.Property{
			content,
			field("session_id", "text", "Session the investigation ran in."),
			field("document_id", "text", "Memory document the chunk belongs to."),
			field("chunk_index", "int", "Position of the chunk in the document."),
			field("target_metric", "text", "Metric that was investigated."),
			field("summary", "text", "One-line investigation summary."),
			field("stored_at", "int", "Unix milliseconds at storage time."),
		},
	}
}

func ensureClass(ctx context.Context, client *weaviate.Client, class string, logger *zap.Logger) error {
	if _, err := client.Schema().ClassGetter().WithClassName(class).Do(ctx); err == nil {
		return nil
	}
	logger.Info("Creating Weaviate class", zap.String("class", class))
	if err := client.Schema().ClassCreator().WithClass(memoryClass(class)).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class %s: %w", class, err)
	}
	return nil
}

type clientWriter struct {
	client *weaviate.Client
	logger *zap.Logger
}

func (w *clientWriter) WriteBatch(ctx context.Context, objects []*models.Object) (int, error) {
	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate batch import: %w", err)
	}
	stored := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Status != nil && *item.Result.Status == "SUCCESS" {
			stored++
			continue
		}
		if item.Result != nil && item.Result.Errors != nil {
			for _, e := range item.Result.Errors.Error {
				w.logger.Warn("Weaviate batch item failed", zap.String("error", e.Message))
			}
		}
	}
	return stored, nil
}
