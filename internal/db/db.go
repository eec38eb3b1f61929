package db

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// Store is the persistence interface of the service: the run index and the
// memory documents of the sqlite memory backend.
type Store interface {
	InvestigationStore
	MemoryDocumentStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Investigations ───────────────────────────────────────────────────────────

// InvestigationRecord is the index row of the latest run of a session.
// Artifacts on disk stay authoritative; the row makes runs listable and
// survives process restarts.
type InvestigationRecord struct {
	SessionID        string     `json:"session_id"`
	RunID            string     `json:"run_id"`
	TargetMetric     string     `json:"target_metric"`
	Status           string     `json:"status"`
	Error            string     `json:"error,omitempty"`
	Hypotheses       int        `json:"hypotheses"`
	Confirmed        int        `json:"confirmed"`
	ReportPath       string     `json:"report_path,omitempty"`
	MemoryDocumentID string     `json:"memory_document_id,omitempty"`
	TotalTokens      int        `json:"total_tokens"`
	CostUSD          float64    `json:"cost_usd"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// InvestigationStore persists the run index.
type InvestigationStore interface {
	// SaveInvestigation inserts or replaces the row of rec.SessionID.
	SaveInvestigation(ctx context.Context, rec *InvestigationRecord) error

	// GetInvestigation returns ErrNotFound when the session never ran.
	GetInvestigation(ctx context.Context, sessionID string) (*InvestigationRecord, error)

	// ListInvestigations returns rows newest first.
	ListInvestigations(ctx context.Context, limit, offset int) ([]*InvestigationRecord, error)

	DeleteInvestigation(ctx context.Context, sessionID string) error
}

// ─── Memory documents ─────────────────────────────────────────────────────────

// MemoryDocument is a stored working-memory document.
type MemoryDocument struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryChunk is one retrieval unit of a memory document.
type MemoryChunk struct {
	ID         string `json:"id" db:"id"`
	DocumentID string `json:"document_id" db:"document_id"`
	ChunkIndex int    `json:"chunk_index" db:"chunk_index"`
	Content    string `json:"content" db:"content"`
}

// MemoryDocumentStore persists memory documents and their chunks.
type MemoryDocumentStore interface {
	// SaveMemoryDocument writes the document and its chunks in one
	// transaction.
	SaveMemoryDocument(ctx context.Context, doc *MemoryDocument, chunks []MemoryChunk) error

	GetMemoryDocument(ctx context.Context, id string) (*MemoryDocument, error)

	// LatestMemoryDocument returns the newest document of a session.
	LatestMemoryDocument(ctx context.Context, sessionID string) (*MemoryDocument, error)

	// MemoryChunks returns the chunks of a document in order.
	MemoryChunks(ctx context.Context, documentID string) ([]MemoryChunk, error)
}
