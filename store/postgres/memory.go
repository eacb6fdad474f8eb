package postgres

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pgvector/pgvector-go"

	engram "github.com/nevindra/engram"
)

func (s *Store) CoreFacts(ctx context.Context, userID string) ([]engram.CoreFact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, key, value, importance, access_count, last_accessed, metadata, created_at, updated_at
		 FROM core_memories WHERE user_id = $1`, userID)
	if err != nil {
		return nil, pgErr("core facts", err)
	}
	defer rows.Close()

	var out []engram.CoreFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, pgErr("core facts", err)
		}
		out = append(out, f)
	}
	return out, pgErr("core facts", rows.Err())
}

func (s *Store) PutCoreFact(ctx context.Context, fact engram.CoreFact) (engram.CoreFact, error) {
	meta, err := metaJSON(fact.Metadata)
	if err != nil {
		return engram.CoreFact{}, pgErr("put core fact", err)
	}
	now := time.Now().Unix()
	row := s.pool.QueryRow(ctx,
		`INSERT INTO core_memories (id, user_id, key, value, importance, access_count, last_accessed, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $9)
		 ON CONFLICT (user_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			importance = EXCLUDED.importance,
			last_accessed = EXCLUDED.last_accessed,
			metadata = EXCLUDED.metadata
		 RETURNING id, user_id, key, value, importance, access_count, last_accessed, metadata, created_at, updated_at`,
		fact.ID, fact.UserID, fact.Key, fact.Value, fact.Importance, fact.AccessCount, now, meta, now)
	stored, err := scanFact(row)
	if err != nil {
		return engram.CoreFact{}, pgErr("put core fact", err)
	}
	return stored, nil
}

func (s *Store) DeleteCoreFact(ctx context.Context, userID, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM core_memories WHERE user_id = $1 AND key = $2`, userID, key)
	if err != nil {
		return false, pgErr("delete core fact", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) BumpCoreAccess(ctx context.Context, userID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE core_memories SET access_count = access_count + 1
		 WHERE user_id = $1 AND key = ANY($2)`,
		userID, keys)
	return pgErr("bump core access", err)
}

func (s *Store) AddRecall(ctx context.Context, item engram.RecallItem) (engram.RecallItem, error) {
	meta, err := metaJSON(item.Metadata)
	if err != nil {
		return engram.RecallItem{}, pgErr("add recall", err)
	}
	item.CreatedAt = time.Now().UTC()

	if len(item.Embedding) > 0 {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO recall_memories (id, user_id, session_id, content, embedding, importance, access_count, last_accessed, source, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)`,
			item.ID, item.UserID, item.SessionID, item.Content, pgvector.NewVector(item.Embedding),
			item.Importance, item.AccessCount, item.LastAccessed.Unix(), item.Source, meta, item.CreatedAt.Unix())
	} else {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO recall_memories (id, user_id, session_id, content, embedding, importance, access_count, last_accessed, source, metadata, created_at)
			 VALUES ($1, $2, $3, $4, NULL, $5, $6, $7, $8, $9::jsonb, $10)`,
			item.ID, item.UserID, item.SessionID, item.Content,
			item.Importance, item.AccessCount, item.LastAccessed.Unix(), item.Source, meta, item.CreatedAt.Unix())
	}
	if err != nil {
		return engram.RecallItem{}, pgErr("add recall", err)
	}
	return item, nil
}

func (s *Store) SearchRecall(ctx context.Context, q engram.RecallQuery) ([]engram.RecallMatch, error) {
	emb := pgvector.NewVector(q.Embedding)
	query := `SELECT id, user_id, session_id, content, importance, access_count, last_accessed, source, metadata, created_at,
			1 - (embedding <=> $1) AS similarity
		 FROM recall_memories
		 WHERE user_id = $2 AND embedding IS NOT NULL
			AND importance >= $3 AND 1 - (embedding <=> $1) >= $4`
	args := []any{emb, q.UserID, q.MinImportance, q.MinSimilarity}
	if q.SessionID != "" {
		query += ` AND session_id = $5`
		args = append(args, q.SessionID)
	}
	query += ` ORDER BY embedding <=> $1, id`
	if q.Limit > 0 {
		query += ` LIMIT ` + itoa(q.Limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr("search recall", err)
	}
	defer rows.Close()

	var matches []engram.RecallMatch
	for rows.Next() {
		var m engram.RecallMatch
		var lastAccessed, createdAt int64
		var meta []byte
		err := rows.Scan(&m.ID, &m.UserID, &m.SessionID, &m.Content, &m.Importance,
			&m.AccessCount, &lastAccessed, &m.Source, &meta, &createdAt, &m.Similarity)
		if err != nil {
			return nil, pgErr("search recall", err)
		}
		m.LastAccessed = fromUnix(lastAccessed)
		m.CreatedAt = fromUnix(createdAt)
		m.Metadata = unmarshalMeta(meta)
		matches = append(matches, m)
	}
	return matches, pgErr("search recall", rows.Err())
}

func (s *Store) DeleteRecall(ctx context.Context, userID, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM recall_memories WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return false, pgErr("delete recall", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) BumpRecallAccess(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE recall_memories SET access_count = access_count + 1
		 WHERE user_id = $1 AND id = ANY($2)`,
		userID, ids)
	return pgErr("bump recall access", err)
}

func (s *Store) HotRecall(ctx context.Context, minAccess int64, minImportance float64, limit int) ([]engram.RecallItem, error) {
	query := `SELECT id, user_id, session_id, content, importance, access_count, last_accessed, source, metadata, created_at
		 FROM recall_memories
		 WHERE promoted = FALSE AND access_count >= $1 AND importance >= $2
		 ORDER BY access_count DESC, id`
	if limit > 0 {
		query += ` LIMIT ` + itoa(limit)
	}
	rows, err := s.pool.Query(ctx, query, minAccess, minImportance)
	if err != nil {
		return nil, pgErr("hot recall", err)
	}
	defer rows.Close()

	var out []engram.RecallItem
	for rows.Next() {
		item, err := scanRecall(rows)
		if err != nil {
			return nil, pgErr("hot recall", err)
		}
		out = append(out, item)
	}
	return out, pgErr("hot recall", rows.Err())
}

func (s *Store) MarkRecallPromoted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE recall_memories SET promoted = TRUE WHERE id = ANY($1)`, ids)
	return pgErr("mark recall promoted", err)
}

func (s *Store) AddArchival(ctx context.Context, item engram.ArchivalItem) (engram.ArchivalItem, error) {
	meta, err := metaJSON(item.Metadata)
	if err != nil {
		return engram.ArchivalItem{}, pgErr("add archival", err)
	}
	item.CreatedAt = time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO archival_memories (id, user_id, session_id, content, source, compressed, compressed_into_id, metadata, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8::jsonb, $9)`,
		item.ID, item.UserID, item.SessionID, item.Content, item.Source,
		item.Compressed, item.CompressedIntoID, meta, item.CreatedAt.Unix())
	if err != nil {
		return engram.ArchivalItem{}, pgErr("add archival", err)
	}
	return item, nil
}

func (s *Store) ArchivalBySession(ctx context.Context, userID, sessionID string, includeCompressed bool) ([]engram.ArchivalItem, error) {
	query := `SELECT id, user_id, COALESCE(session_id, ''), content, source, compressed, compressed_into_id, metadata, created_at
		 FROM archival_memories WHERE user_id = $1 AND COALESCE(session_id, '') = $2`
	if !includeCompressed {
		query += ` AND compressed = FALSE`
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.pool.Query(ctx, query, userID, sessionID)
	if err != nil {
		return nil, pgErr("archival by session", err)
	}
	defer rows.Close()

	var out []engram.ArchivalItem
	for rows.Next() {
		item, err := scanArchival(rows)
		if err != nil {
			return nil, pgErr("archival by session", err)
		}
		out = append(out, item)
	}
	return out, pgErr("archival by session", rows.Err())
}

func (s *Store) CompressArchival(ctx context.Context, summary engram.ArchivalItem, sourceIDs []string) (engram.ArchivalItem, int, error) {
	meta, err := metaJSON(summary.Metadata)
	if err != nil {
		return engram.ArchivalItem{}, 0, pgErr("compress archival", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return engram.ArchivalItem{}, 0, pgErr("compress archival", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	summary.CreatedAt = time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE archival_memories SET compressed = TRUE, compressed_into_id = $1
		 WHERE user_id = $2 AND compressed = FALSE AND id = ANY($3)`,
		summary.ID, summary.UserID, sourceIDs)
	if err != nil {
		return engram.ArchivalItem{}, 0, pgErr("compress archival", err)
	}
	marked := int(tag.RowsAffected())
	if marked == 0 {
		return summary, 0, nil
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO archival_memories (id, user_id, session_id, content, source, compressed, compressed_into_id, metadata, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, FALSE, NULL, $6::jsonb, $7)`,
		summary.ID, summary.UserID, summary.SessionID, summary.Content, summary.Source,
		meta, summary.CreatedAt.Unix())
	if err != nil {
		return engram.ArchivalItem{}, 0, pgErr("compress archival", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return engram.ArchivalItem{}, 0, pgErr("compress archival", err)
	}
	return summary, marked, nil
}

func (s *Store) SearchArchivalMeta(ctx context.Context, userID string, path []string, value string, limit, offset int) ([]engram.ArchivalItem, error) {
	if len(path) == 0 {
		return nil, nil
	}
	query := `SELECT id, user_id, COALESCE(session_id, ''), content, source, compressed, compressed_into_id, metadata, created_at
		 FROM archival_memories
		 WHERE user_id = $1 AND metadata #>> $2 = $3
		 ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ` + itoa(limit)
	}
	if offset > 0 {
		query += ` OFFSET ` + itoa(offset)
	}
	rows, err := s.pool.Query(ctx, query, userID, path, value)
	if err != nil {
		return nil, pgErr("search archival meta", err)
	}
	defer rows.Close()

	var out []engram.ArchivalItem
	for rows.Next() {
		item, err := scanArchival(rows)
		if err != nil {
			return nil, pgErr("search archival meta", err)
		}
		out = append(out, item)
	}
	return out, pgErr("search archival meta", rows.Err())
}

func (s *Store) SearchArchivalContent(ctx context.Context, userID, needle string, limit int) ([]engram.ArchivalItem, error) {
	pattern := "%" + engram.EscapeLike(needle) + "%"
	query := `SELECT id, user_id, COALESCE(session_id, ''), content, source, compressed, compressed_into_id, metadata, created_at
		 FROM archival_memories
		 WHERE user_id = $1 AND content ILIKE $2 ESCAPE '\'
		 ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ` + itoa(limit)
	}
	rows, err := s.pool.Query(ctx, query, userID, pattern)
	if err != nil {
		return nil, pgErr("search archival content", err)
	}
	defer rows.Close()

	var out []engram.ArchivalItem
	for rows.Next() {
		item, err := scanArchival(rows)
		if err != nil {
			return nil, pgErr("search archival content", err)
		}
		out = append(out, item)
	}
	return out, pgErr("search archival content", rows.Err())
}

func (s *Store) MemoryStats(ctx context.Context, userID string) (engram.MemoryStats, error) {
	var stats engram.MemoryStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM core_memories WHERE user_id = $1),
			(SELECT COUNT(*) FROM recall_memories WHERE user_id = $1),
			(SELECT COUNT(*) FROM archival_memories WHERE user_id = $1 AND compressed = FALSE),
			(SELECT COUNT(*) FROM archival_memories WHERE user_id = $1 AND compressed = TRUE)`,
		userID).
		Scan(&stats.CoreFacts, &stats.RecallItems, &stats.ArchivalLive, &stats.ArchivalCompressed)
	if err != nil {
		return engram.MemoryStats{}, pgErr("memory stats", err)
	}
	return stats, nil
}

// scanner abstracts pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFact(row scanner) (engram.CoreFact, error) {
	var f engram.CoreFact
	var lastAccessed, createdAt, updatedAt int64
	var meta []byte
	err := row.Scan(&f.ID, &f.UserID, &f.Key, &f.Value, &f.Importance, &f.AccessCount,
		&lastAccessed, &meta, &createdAt, &updatedAt)
	if err != nil {
		return engram.CoreFact{}, err
	}
	f.LastAccessed = fromUnix(lastAccessed)
	f.CreatedAt = fromUnix(createdAt)
	f.UpdatedAt = fromUnix(updatedAt)
	f.Metadata = unmarshalMeta(meta)
	return f, nil
}

func scanRecall(row scanner) (engram.RecallItem, error) {
	var item engram.RecallItem
	var lastAccessed, createdAt int64
	var meta []byte
	err := row.Scan(&item.ID, &item.UserID, &item.SessionID, &item.Content, &item.Importance,
		&item.AccessCount, &lastAccessed, &item.Source, &meta, &createdAt)
	if err != nil {
		return engram.RecallItem{}, err
	}
	item.LastAccessed = fromUnix(lastAccessed)
	item.CreatedAt = fromUnix(createdAt)
	item.Metadata = unmarshalMeta(meta)
	return item, nil
}

func scanArchival(row scanner) (engram.ArchivalItem, error) {
	var item engram.ArchivalItem
	var createdAt int64
	var intoID *string
	var meta []byte
	err := row.Scan(&item.ID, &item.UserID, &item.SessionID, &item.Content, &item.Source,
		&item.Compressed, &intoID, &meta, &createdAt)
	if err != nil {
		return engram.ArchivalItem{}, err
	}
	if intoID != nil {
		item.CompressedIntoID = *intoID
	}
	item.CreatedAt = fromUnix(createdAt)
	item.Metadata = unmarshalMeta(meta)
	return item, nil
}

func metaJSON(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	v := string(data)
	return &v, nil
}

func unmarshalMeta(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
