// Package postgres implements engram.Store using PostgreSQL with
// pgvector for native vector similarity search. Recall items and graph
// nodes keep their embeddings in vector columns indexed with HNSW;
// graph path queries run as recursive CTEs.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; NewPool builds one
// with the pgvector types registered.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	engram "github.com/nevindra/engram"
)

// Store implements engram.Store backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536,
// 768). When set, CREATE TABLE uses vector(N) instead of untyped
// vector, catching dimension mismatches at insert time. Only affects
// new table creation.
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter
// (build-time candidate list size).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

var _ engram.Store = (*Store)(nil)

// NewPool creates a pgxpool.Pool with pgvector's types registered on
// every connection. The caller owns the returned pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return pool, nil
}

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, all tables, indexes, and the
// updated_at triggers. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	vtype := s.vectorType()
	hnswWith := s.hnswWithClause()

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS core_memories (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			key           TEXT NOT NULL,
			value         TEXT NOT NULL,
			importance    DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			access_count  BIGINT NOT NULL DEFAULT 0,
			last_accessed BIGINT NOT NULL DEFAULT 0,
			metadata      JSONB,
			created_at    BIGINT NOT NULL,
			updated_at    BIGINT NOT NULL,
			UNIQUE(user_id, key)
		)`,
		`CREATE INDEX IF NOT EXISTS core_memories_user_idx ON core_memories(user_id)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS recall_memories (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			session_id    TEXT NOT NULL DEFAULT '',
			content       TEXT NOT NULL,
			embedding     %s,
			importance    DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			access_count  BIGINT NOT NULL DEFAULT 0,
			last_accessed BIGINT NOT NULL DEFAULT 0,
			source        TEXT NOT NULL DEFAULT '',
			metadata      JSONB,
			promoted      BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    BIGINT NOT NULL
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS recall_memories_user_idx ON recall_memories(user_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS recall_memories_embedding_idx ON recall_memories USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),
		`CREATE INDEX IF NOT EXISTS recall_memories_hot_idx ON recall_memories(access_count, importance) WHERE promoted = FALSE`,

		`CREATE TABLE IF NOT EXISTS archival_memories (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			session_id         TEXT,
			content            TEXT NOT NULL,
			source             TEXT NOT NULL DEFAULT '',
			compressed         BOOLEAN NOT NULL DEFAULT FALSE,
			compressed_into_id TEXT,
			metadata           JSONB,
			created_at         BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS archival_memories_user_idx ON archival_memories(user_id)`,
		`CREATE INDEX IF NOT EXISTS archival_memories_session_idx ON archival_memories(session_id) WHERE session_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS archival_memories_compressed_idx ON archival_memories(compressed) WHERE compressed = TRUE`,
		`CREATE INDEX IF NOT EXISTS archival_memories_meta_idx ON archival_memories USING gin(metadata)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_nodes (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			label      TEXT NOT NULL,
			node_type  TEXT NOT NULL DEFAULT '',
			properties JSONB,
			embedding  %s,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, vtype),
		`CREATE INDEX IF NOT EXISTS knowledge_nodes_user_idx ON knowledge_nodes(user_id)`,
		`CREATE INDEX IF NOT EXISTS knowledge_nodes_label_idx ON knowledge_nodes(user_id, label)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS knowledge_nodes_embedding_idx ON knowledge_nodes USING hnsw (embedding vector_cosine_ops)%s`, hnswWith),

		`CREATE TABLE IF NOT EXISTS knowledge_edges (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			source_id  TEXT NOT NULL REFERENCES knowledge_nodes(id) ON DELETE CASCADE,
			target_id  TEXT NOT NULL REFERENCES knowledge_nodes(id) ON DELETE CASCADE,
			edge_type  TEXT NOT NULL DEFAULT '',
			weight     DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			properties JSONB,
			created_at BIGINT NOT NULL,
			CONSTRAINT knowledge_edges_unique UNIQUE(source_id, target_id, edge_type)
		)`,
		`CREATE INDEX IF NOT EXISTS knowledge_edges_source_idx ON knowledge_edges(source_id)`,
		`CREATE INDEX IF NOT EXISTS knowledge_edges_target_idx ON knowledge_edges(target_id)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			channel_id  TEXT NOT NULL DEFAULT '',
			token_count BIGINT NOT NULL DEFAULT 0,
			started_at  BIGINT NOT NULL,
			last_active BIGINT NOT NULL
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
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id, created_at)`,

		// updated_at is maintained in the database so that out-of-band
		// writes stay consistent with rows written through the Store.
		`CREATE OR REPLACE FUNCTION touch_updated_at() RETURNS trigger AS $$
		BEGIN
			NEW.updated_at := EXTRACT(EPOCH FROM now())::bigint;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS core_memories_touch ON core_memories`,
		`CREATE TRIGGER core_memories_touch BEFORE UPDATE ON core_memories
			FOR EACH ROW EXECUTE FUNCTION touch_updated_at()`,
		`DROP TRIGGER IF EXISTS knowledge_nodes_touch ON knowledge_nodes`,
		`CREATE TRIGGER knowledge_nodes_touch BEFORE UPDATE ON knowledge_nodes
			FOR EACH ROW EXECUTE FUNCTION touch_updated_at()`,

		// last_accessed follows the access counter so that reads bumped
		// out-of-band still refresh recency.
		`CREATE OR REPLACE FUNCTION touch_last_accessed() RETURNS trigger AS $$
		BEGIN
			IF NEW.access_count IS DISTINCT FROM OLD.access_count THEN
				NEW.last_accessed := EXTRACT(EPOCH FROM now())::bigint;
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS core_memories_accessed ON core_memories`,
		`CREATE TRIGGER core_memories_accessed BEFORE UPDATE ON core_memories
			FOR EACH ROW EXECUTE FUNCTION touch_last_accessed()`,
		`DROP TRIGGER IF EXISTS recall_memories_accessed ON recall_memories`,
		`CREATE TRIGGER recall_memories_accessed BEFORE UPDATE ON recall_memories
			FOR EACH ROW EXECUTE FUNCTION touch_last_accessed()`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return &engram.ErrStoreUnavailable{Op: "init", Err: err}
		}
	}
	return nil
}

// Close is a no-op. The caller owns the pool and manages its lifecycle.
func (s *Store) Close() error {
	return nil
}

// pgErr maps a pgx error onto the engram error taxonomy. Unique,
// foreign key, and check violations (23505, 23503, 23514) are
// conflicts; everything else is treated as transient.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		case "23505", "23503", "23514":
			return &engram.ErrStoreConflict{Op: op, Constraint: pge.ConstraintName, Err: err}
		}
	}
	return &engram.ErrStoreUnavailable{Op: op, Err: err}
}
