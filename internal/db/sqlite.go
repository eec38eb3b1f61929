package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// migrations are applied in order; applied versions are tracked in the
// schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS investigations (
    session_id          TEXT PRIMARY KEY,
    run_id              TEXT NOT NULL,
    target_metric       TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'running',
    error               TEXT NOT NULL DEFAULT '',
    hypotheses          INTEGER NOT NULL DEFAULT 0,
    confirmed           INTEGER NOT NULL DEFAULT 0,
    report_path         TEXT NOT NULL DEFAULT '',
    memory_document_id  TEXT NOT NULL DEFAULT '',
    started_at          TEXT NOT NULL,
    finished_at         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_investigations_started_at ON investigations(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_investigations_status ON investigations(status);
`,
	},
	// Migration 2: memory documents for the sqlite memory backend
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS memory_documents (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    content     TEXT NOT NULL,
    summary     TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_documents_session ON memory_documents(session_id, created_at DESC);

CREATE TABLE IF NOT EXISTS memory_chunks (
    id           TEXT PRIMARY KEY,
    document_id  TEXT NOT NULL REFERENCES memory_documents(id) ON DELETE CASCADE,
    chunk_index  INTEGER NOT NULL,
    content      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_chunks_document ON memory_chunks(document_id, chunk_index ASC);
`,
	},
	// Migration 3: token usage per run
	{
		version: 3,
		sql: `
ALTER TABLE investigations ADD COLUMN total_tokens INTEGER NOT NULL DEFAULT 0;
ALTER TABLE investigations ADD COLUMN cost_usd REAL NOT NULL DEFAULT 0.0;
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, `SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Investigations ───────────────────────────────────────────────────────────

// investigationRow mirrors the investigations table. Times are stored as
// RFC 3339 text.
type investigationRow struct {
	SessionID        string  `db:"session_id"`
	RunID            string  `db:"run_id"`
	TargetMetric     string  `db:"target_metric"`
	Status           string  `db:"status"`
	Error            string  `db:"error"`
	Hypotheses       int     `db:"hypotheses"`
	Confirmed        int     `db:"confirmed"`
	ReportPath       string  `db:"report_path"`
	MemoryDocumentID string  `db:"memory_document_id"`
	TotalTokens      int     `db:"total_tokens"`
	CostUSD          float64 `db:"cost_usd"`
	StartedAt        string  `db:"started_at"`
	FinishedAt       string  `db:"finished_at"`
}

const investigationColumns = `session_id, run_id, target_metric, status, error, hypotheses, confirmed,
report_path, memory_document_id, total_tokens, cost_usd, started_at, finished_at`

func toRow(rec *InvestigationRecord) investigationRow {
	row := investigationRow{
		SessionID:        rec.SessionID,
		RunID:            rec.RunID,
		TargetMetric:     rec.TargetMetric,
		Status:           rec.Status,
		Error:            rec.Error,
		Hypotheses:       rec.Hypotheses,
		Confirmed:        rec.Confirmed,
		ReportPath:       rec.ReportPath,
		MemoryDocumentID: rec.MemoryDocumentID,
		TotalTokens:      rec.TotalTokens,
		CostUSD:          rec.CostUSD,
		StartedAt:        formatTime(rec.StartedAt),
	}
	if rec.FinishedAt != nil {
		row.FinishedAt = formatTime(*rec.FinishedAt)
	}
	return row
}

func (row investigationRow) record() *InvestigationRecord {
	rec := &InvestigationRecord{
		SessionID:        row.SessionID,
		RunID:            row.RunID,
		TargetMetric:     row.TargetMetric,
		Status:           row.Status,
		Error:            row.Error,
		Hypotheses:       row.Hypotheses,
		Confirmed:        row.Confirmed,
		ReportPath:       row.ReportPath,
		MemoryDocumentID: row.MemoryDocumentID,
		TotalTokens:      row.TotalTokens,
		CostUSD:          row.CostUSD,
	}
	rec.StartedAt, _ = parseTime(row.StartedAt)
	if row.FinishedAt != "" {
		if t, err := parseTime(row.FinishedAt); err == nil {
			rec.FinishedAt = &t
		}
	}
	return rec
}

func (s *sqliteStore) SaveInvestigation(ctx context.Context, rec *InvestigationRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO investigations(`+investigationColumns+`)
        VALUES(:session_id, :run_id, :target_metric, :status, :error, :hypotheses, :confirmed,
               :report_path, :memory_document_id, :total_tokens, :cost_usd, :started_at, :finished_at)
        ON CONFLICT(session_id) DO UPDATE SET
            run_id             = excluded.run_id,
            target_metric      = excluded.target_metric,
            status             = excluded.status,
            error              = excluded.error,
            hypotheses         = excluded.hypotheses,
            confirmed          = excluded.confirmed,
            report_path        = excluded.report_path,
            memory_document_id = excluded.memory_document_id,
            total_tokens       = excluded.total_tokens,
            cost_usd           = excluded.cost_usd,
            started_at         = excluded.started_at,
            finished_at        = excluded.finished_at
    `, toRow(rec))
	if err != nil {
		return fmt.Errorf("upsert investigation: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetInvestigation(ctx context.Context, sessionID string) (*InvestigationRecord, error) {
	var row investigationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+investigationColumns+` FROM investigations WHERE session_id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: investigation %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get investigation: %w", err)
	}
	return row.record(), nil
}

func (s *sqliteStore) ListInvestigations(ctx context.Context, limit, offset int) ([]*InvestigationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []investigationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+investigationColumns+` FROM investigations ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list investigations: %w", err)
	}
	out := make([]*InvestigationRecord, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}

func (s *sqliteStore) DeleteInvestigation(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM investigations WHERE session_id = ?`, sessionID)
	return err
}

// ─── Memory documents ─────────────────────────────────────────────────────────

type memoryDocumentRow struct {
	ID        string `db:"id"`
	SessionID string `db:"session_id"`
	Content   string `db:"content"`
	Summary   string `db:"summary"`
	CreatedAt string `db:"created_at"`
}

func (row memoryDocumentRow) document() *MemoryDocument {
	doc := &MemoryDocument{ID: row.ID, SessionID: row.SessionID, Content: row.Content, Summary: row.Summary}
	doc.CreatedAt, _ = parseTime(row.CreatedAt)
	return doc
}

func (s *sqliteStore) SaveMemoryDocument(ctx context.Context, doc *MemoryDocument, chunks []MemoryChunk) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
        INSERT INTO memory_documents(id, session_id, content, summary, created_at)
        VALUES(:id, :session_id, :content, :summary, :created_at)
    `, memoryDocumentRow{
		ID:        doc.ID,
		SessionID: doc.SessionID,
		Content:   doc.Content,
		Summary:   doc.Summary,
		CreatedAt: formatTime(doc.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("insert memory document: %w", err)
	}

	for _, c := range chunks {
		c.DocumentID = doc.ID
		_, err := tx.NamedExecContext(ctx, `
            INSERT INTO memory_chunks(id, document_id, chunk_index, content)
            VALUES(:id, :document_id, :chunk_index, :content)
        `, c)
		if err != nil {
			return fmt.Errorf("insert memory chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) GetMemoryDocument(ctx context.Context, id string) (*MemoryDocument, error) {
	var row memoryDocumentRow
	err := s.db.GetContext(ctx, &row, `SELECT id, session_id, content, summary, created_at FROM memory_documents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory document %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get memory document: %w", err)
	}
	return row.document(), nil
}

func (s *sqliteStore) LatestMemoryDocument(ctx context.Context, sessionID string) (*MemoryDocument, error) {
	var row memoryDocumentRow
	err := s.db.GetContext(ctx, &row, `
        SELECT id, session_id, content, summary, created_at FROM memory_documents
        WHERE session_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1
    `, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory document for session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("latest memory document: %w", err)
	}
	return row.document(), nil
}

func (s *sqliteStore) MemoryChunks(ctx context.Context, documentID string) ([]MemoryChunk, error) {
	var chunks []MemoryChunk
	err := s.db.SelectContext(ctx, &chunks, `
        SELECT id, document_id, chunk_index, content FROM memory_chunks
        WHERE document_id = ? ORDER BY chunk_index ASC
    `, documentID)
	if err != nil {
		return nil, fmt.Errorf("query memory chunks: %w", err)
	}
	return chunks, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
