// Package sqlite implements engram.Store on pure-Go SQLite with
// in-process brute-force vector search. Zero CGO required. Embeddings
// are stored as JSON text; graph path queries run a BFS in Go rather
// than a recursive CTE.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	engram "github.com/nevindra/engram"
)

// Store is a SQLite-backed engram.Store. Safe for concurrent use; the
// connection pool is capped at one connection to serialize writers.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ engram.Store = (*Store)(nil)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New opens (or creates) the database at path. Call Init before use.
func New(path string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent handlers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS core_memories (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		key           TEXT NOT NULL,
		value         TEXT NOT NULL,
		importance    REAL NOT NULL DEFAULT 0.5,
		access_count  INTEGER NOT NULL DEFAULT 0,
		last_accessed INTEGER NOT NULL,
		metadata      TEXT,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		UNIQUE(user_id, key)
	)`,
	`CREATE TABLE IF NOT EXISTS recall_memories (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		content       TEXT NOT NULL,
		embedding     TEXT,
		importance    REAL NOT NULL DEFAULT 0.5,
		access_count  INTEGER NOT NULL DEFAULT 0,
		last_accessed INTEGER NOT NULL,
		source        TEXT NOT NULL DEFAULT '',
		metadata      TEXT,
		promoted      INTEGER NOT NULL DEFAULT 0,
		created_at    INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS archival_memories (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		session_id         TEXT,
		content            TEXT NOT NULL,
		source             TEXT NOT NULL DEFAULT '',
		compressed         INTEGER NOT NULL DEFAULT 0,
		compressed_into_id TEXT,
		metadata           TEXT,
		created_at         INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_nodes (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		label      TEXT NOT NULL,
		node_type  TEXT NOT NULL DEFAULT '',
		properties TEXT,
		embedding  TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS knowledge_edges (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		source_id  TEXT NOT NULL,
		target_id  TEXT NOT NULL,
		edge_type  TEXT NOT NULL DEFAULT '',
		weight     REAL NOT NULL DEFAULT 1.0,
		properties TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(source_id, target_id, edge_type)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		channel_id  TEXT NOT NULL DEFAULT '',
		token_count INTEGER NOT NULL DEFAULT 0,
		started_at  INTEGER NOT NULL,
		last_active INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		tokens     INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL DEFAULT 'complete',
		intent     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_core_user ON core_memories(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_recall_user ON recall_memories(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_recall_hot ON recall_memories(access_count, importance) WHERE promoted = 0`,
	`CREATE INDEX IF NOT EXISTS idx_archival_user ON archival_memories(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_archival_session ON archival_memories(session_id) WHERE session_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_archival_compressed ON archival_memories(compressed) WHERE compressed = 1`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_user ON knowledge_nodes(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_nodes_label ON knowledge_nodes(user_id, label)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_user ON knowledge_edges(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_source ON knowledge_edges(source_id)`,
	`CREATE INDEX IF NOT EXISTS idx_edges_target ON knowledge_edges(target_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,

	// last_accessed follows the access counter so that bumps applied
	// out-of-band still refresh recency.
	`CREATE TRIGGER IF NOT EXISTS trg_core_accessed
		AFTER UPDATE OF access_count ON core_memories
		BEGIN
			UPDATE core_memories SET last_accessed = unixepoch() WHERE id = NEW.id;
		END`,
	`CREATE TRIGGER IF NOT EXISTS trg_recall_accessed
		AFTER UPDATE OF access_count ON recall_memories
		BEGIN
			UPDATE recall_memories SET last_accessed = unixepoch() WHERE id = NEW.id;
		END`,
}

// Init creates the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Error("schema init failed", "error", err)
			return &engram.ErrStoreUnavailable{Op: "init", Err: err}
		}
	}
	s.logger.Debug("schema ready", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// storeErr maps a driver error onto the engram error taxonomy. SQLite
// reports all constraint classes (unique, foreign key, check) through
// SQLITE_CONSTRAINT, which modernc surfaces in the message text.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "constraint") {
		return &engram.ErrStoreConflict{Op: op, Err: err}
	}
	return &engram.ErrStoreUnavailable{Op: op, Err: err}
}

func encodeJSON(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil
	}
	return m
}

func encodeEmbedding(v []float32) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode embedding: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeEmbedding(raw sql.NullString) []float32 {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil
	}
	return v
}

// placeholders returns "?, ?, ..." for an IN clause of n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// safeMetaSegment rejects JSON path segments that could escape the
// quoted json_extract path. Segments are interpolated, not bound.
func safeMetaSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
