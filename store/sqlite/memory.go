package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	engram "github.com/nevindra/engram"
)

func (s *Store) CoreFacts(ctx context.Context, userID string) ([]engram.CoreFact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, key, value, importance, access_count, last_accessed, metadata, created_at, updated_at
		 FROM core_memories WHERE user_id = ?`, userID)
	if err != nil {
		s.logger.Error("core facts query failed", "error", err)
		return nil, storeErr("core facts", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []engram.CoreFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, storeErr("core facts", err)
		}
		out = append(out, f)
	}
	return out, storeErr("core facts", rows.Err())
}

func (s *Store) PutCoreFact(ctx context.Context, fact engram.CoreFact) (engram.CoreFact, error) {
	start := time.Now()
	meta, err := encodeJSON(fact.Metadata)
	if err != nil {
		return engram.CoreFact{}, storeErr("put core fact", err)
	}
	now := time.Now().UTC()
	// On conflict the original id and created_at survive; everything
	// else is replaced.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO core_memories (id, user_id, key, value, importance, access_count, last_accessed, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			importance = excluded.importance,
			last_accessed = excluded.last_accessed,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		fact.ID, fact.UserID, fact.Key, fact.Value, fact.Importance, fact.AccessCount,
		unix(now), meta, unix(now), unix(now))
	if err != nil {
		s.logger.Error("put core fact failed", "key", fact.Key, "error", err)
		return engram.CoreFact{}, storeErr("put core fact", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, key, value, importance, access_count, last_accessed, metadata, created_at, updated_at
		 FROM core_memories WHERE user_id = ? AND key = ?`, fact.UserID, fact.Key)
	stored, err := scanFact(row)
	if err != nil {
		return engram.CoreFact{}, storeErr("put core fact", err)
	}
	s.logger.Debug("core fact stored", "key", fact.Key, "duration", time.Since(start))
	return stored, nil
}

func (s *Store) DeleteCoreFact(ctx context.Context, userID, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM core_memories WHERE user_id = ? AND key = ?`, userID, key)
	if err != nil {
		s.logger.Error("delete core fact failed", "key", key, "error", err)
		return false, storeErr("delete core fact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete core fact", err)
	}
	return n > 0, nil
}

func (s *Store) BumpCoreAccess(ctx context.Context, userID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := append([]any{userID}, toAny(keys)...)
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE core_memories SET access_count = access_count + 1
			 WHERE user_id = ? AND key IN (%s)`, placeholders(len(keys))), args...)
	if err != nil {
		s.logger.Error("bump core access failed", "error", err)
	}
	return storeErr("bump core access", err)
}

func (s *Store) AddRecall(ctx context.Context, item engram.RecallItem) (engram.RecallItem, error) {
	start := time.Now()
	meta, err := encodeJSON(item.Metadata)
	if err != nil {
		return engram.RecallItem{}, storeErr("add recall", err)
	}
	emb, err := encodeEmbedding(item.Embedding)
	if err != nil {
		return engram.RecallItem{}, storeErr("add recall", err)
	}
	item.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recall_memories (id, user_id, session_id, content, embedding, importance, access_count, last_accessed, source, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.SessionID, item.Content, emb, item.Importance,
		item.AccessCount, unix(item.LastAccessed), item.Source, meta, unix(item.CreatedAt))
	if err != nil {
		s.logger.Error("add recall failed", "error", err)
		return engram.RecallItem{}, storeErr("add recall", err)
	}
	s.logger.Debug("recall item stored", "id", item.ID, "duration", time.Since(start))
	return item, nil
}

func (s *Store) SearchRecall(ctx context.Context, q engram.RecallQuery) ([]engram.RecallMatch, error) {
	start := time.Now()
	query := `SELECT id, user_id, session_id, content, embedding, importance, access_count, last_accessed, source, metadata, created_at
		 FROM recall_memories WHERE user_id = ? AND importance >= ?`
	args := []any{q.UserID, q.MinImportance}
	if q.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, q.SessionID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("recall search failed", "error", err)
		return nil, storeErr("search recall", err)
	}
	defer rows.Close() //nolint:errcheck

	// Brute-force cosine over the candidate set, scored in-process.
	var matches []engram.RecallMatch
	for rows.Next() {
		item, err := scanRecall(rows)
		if err != nil {
			return nil, storeErr("search recall", err)
		}
		sim := engram.Cosine(q.Embedding, item.Embedding)
		if sim < q.MinSimilarity {
			continue
		}
		matches = append(matches, engram.RecallMatch{RecallItem: item, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("search recall", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	s.logger.Debug("recall search done", "matches", len(matches), "duration", time.Since(start))
	return matches, nil
}

func (s *Store) DeleteRecall(ctx context.Context, userID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM recall_memories WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		s.logger.Error("delete recall failed", "id", id, "error", err)
		return false, storeErr("delete recall", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("delete recall", err)
	}
	return n > 0, nil
}

func (s *Store) BumpRecallAccess(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{userID}, toAny(ids)...)
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE recall_memories SET access_count = access_count + 1
			 WHERE user_id = ? AND id IN (%s)`, placeholders(len(ids))), args...)
	if err != nil {
		s.logger.Error("bump recall access failed", "error", err)
	}
	return storeErr("bump recall access", err)
}

func (s *Store) HotRecall(ctx context.Context, minAccess int64, minImportance float64, limit int) ([]engram.RecallItem, error) {
	query := `SELECT id, user_id, session_id, content, embedding, importance, access_count, last_accessed, source, metadata, created_at
		 FROM recall_memories
		 WHERE promoted = 0 AND access_count >= ? AND importance >= ?
		 ORDER BY access_count DESC, id`
	args := []any{minAccess, minImportance}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("hot recall query failed", "error", err)
		return nil, storeErr("hot recall", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []engram.RecallItem
	for rows.Next() {
		item, err := scanRecall(rows)
		if err != nil {
			return nil, storeErr("hot recall", err)
		}
		out = append(out, item)
	}
	return out, storeErr("hot recall", rows.Err())
}

func (s *Store) MarkRecallPromoted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE recall_memories SET promoted = 1 WHERE id IN (%s)`, placeholders(len(ids))),
		toAny(ids)...)
	if err != nil {
		s.logger.Error("mark promoted failed", "error", err)
	}
	return storeErr("mark recall promoted", err)
}

func (s *Store) AddArchival(ctx context.Context, item engram.ArchivalItem) (engram.ArchivalItem, error) {
	meta, err := encodeJSON(item.Metadata)
	if err != nil {
		return engram.ArchivalItem{}, storeErr("add archival", err)
	}
	item.CreatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO archival_memories (id, user_id, session_id, content, source, compressed, compressed_into_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, nullable(item.SessionID), item.Content, item.Source,
		boolToInt(item.Compressed), nullable(item.CompressedIntoID), meta, unix(item.CreatedAt))
	if err != nil {
		s.logger.Error("add archival failed", "error", err)
		return engram.ArchivalItem{}, storeErr("add archival", err)
	}
	return item, nil
}

func (s *Store) ArchivalBySession(ctx context.Context, userID, sessionID string, includeCompressed bool) ([]engram.ArchivalItem, error) {
	query := `SELECT id, user_id, COALESCE(session_id, ''), content, source, compressed, compressed_into_id, metadata, created_at
		 FROM archival_memories WHERE user_id = ? AND COALESCE(session_id, '') = ?`
	if !includeCompressed {
		query += ` AND compressed = 0`
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, userID, sessionID)
	if err != nil {
		s.logger.Error("archival by session failed", "error", err)
		return nil, storeErr("archival by session", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []engram.ArchivalItem
	for rows.Next() {
		item, err := scanArchival(rows)
		if err != nil {
			return nil, storeErr("archival by session", err)
		}
		out = append(out, item)
	}
	return out, storeErr("archival by session", rows.Err())
}

func (s *Store) CompressArchival(ctx context.Context, summary engram.ArchivalItem, sourceIDs []string) (engram.ArchivalItem, int, error) {
	start := time.Now()
	meta, err := encodeJSON(summary.Metadata)
	if err != nil {
		return engram.ArchivalItem{}, 0, storeErr("compress archival", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engram.ArchivalItem{}, 0, storeErr("compress archival", err)
	}
	defer tx.Rollback() //nolint:errcheck

	summary.CreatedAt = time.Now().UTC()
	// Sources compressed by a concurrent sweep are left alone; the
	// summary is only written when at least one source was marked.
	args := append([]any{summary.ID, summary.UserID}, toAny(sourceIDs)...)
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE archival_memories SET compressed = 1, compressed_into_id = ?
			 WHERE user_id = ? AND compressed = 0 AND id IN (%s)`, placeholders(len(sourceIDs))), args...)
	if err != nil {
		s.logger.Error("compress archival failed", "error", err)
		return engram.ArchivalItem{}, 0, storeErr("compress archival", err)
	}
	marked64, err := res.RowsAffected()
	if err != nil {
		return engram.ArchivalItem{}, 0, storeErr("compress archival", err)
	}
	marked := int(marked64)
	if marked == 0 {
		return summary, 0, nil
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO archival_memories (id, user_id, session_id, content, source, compressed, compressed_into_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		summary.ID, summary.UserID, nullable(summary.SessionID), summary.Content, summary.Source,
		meta, unix(summary.CreatedAt))
	if err != nil {
		s.logger.Error("compress archival failed", "error", err)
		return engram.ArchivalItem{}, 0, storeErr("compress archival", err)
	}
	if err := tx.Commit(); err != nil {
		return engram.ArchivalItem{}, 0, storeErr("compress archival", err)
	}
	s.logger.Debug("archival compressed", "marked", marked, "duration", time.Since(start))
	return summary, marked, nil
}

func (s *Store) SearchArchivalMeta(ctx context.Context, userID string, path []string, value string, limit, offset int) ([]engram.ArchivalItem, error) {
	if len(path) == 0 {
		return nil, nil
	}
	jsonPath := "$"
	for _, seg := range path {
		if !safeMetaSegment(seg) {
			return nil, storeErr("search archival meta", fmt.Errorf("invalid metadata path segment %q", seg))
		}
		jsonPath += "." + seg
	}
	query := fmt.Sprintf(`SELECT id, user_id, COALESCE(session_id, ''), content, source, compressed, compressed_into_id, metadata, created_at
		 FROM archival_memories
		 WHERE user_id = ? AND json_extract(metadata, '%s') = ?
		 ORDER BY created_at, id`, jsonPath)
	args := []any{userID, value}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	} else if offset > 0 {
		// SQLite requires a LIMIT clause to carry an OFFSET.
		query += ` LIMIT -1`
	}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("archival meta search failed", "error", err)
		return nil, storeErr("search archival meta", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []engram.ArchivalItem
	for rows.Next() {
		item, err := scanArchival(rows)
		if err != nil {
			return nil, storeErr("search archival meta", err)
		}
		out = append(out, item)
	}
	return out, storeErr("search archival meta", rows.Err())
}

func (s *Store) SearchArchivalContent(ctx context.Context, userID, needle string, limit int) ([]engram.ArchivalItem, error) {
	// LIKE is case-insensitive for ASCII in SQLite. The needle is
	// treated literally, so its wildcard characters are escaped.
	pattern := "%" + engram.EscapeLike(needle) + "%"
	query := `SELECT id, user_id, COALESCE(session_id, ''), content, source, compressed, compressed_into_id, metadata, created_at
		 FROM archival_memories
		 WHERE user_id = ? AND content LIKE ? ESCAPE '\'
		 ORDER BY created_at, id`
	args := []any{userID, pattern}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("archival content search failed", "error", err)
		return nil, storeErr("search archival content", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []engram.ArchivalItem
	for rows.Next() {
		item, err := scanArchival(rows)
		if err != nil {
			return nil, storeErr("search archival content", err)
		}
		out = append(out, item)
	}
	return out, storeErr("search archival content", rows.Err())
}

func (s *Store) MemoryStats(ctx context.Context, userID string) (engram.MemoryStats, error) {
	var stats engram.MemoryStats
	row := s.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM core_memories WHERE user_id = ?),
			(SELECT COUNT(*) FROM recall_memories WHERE user_id = ?),
			(SELECT COUNT(*) FROM archival_memories WHERE user_id = ? AND compressed = 0),
			(SELECT COUNT(*) FROM archival_memories WHERE user_id = ? AND compressed = 1)`,
		userID, userID, userID, userID)
	if err := row.Scan(&stats.CoreFacts, &stats.RecallItems, &stats.ArchivalLive, &stats.ArchivalCompressed); err != nil {
		s.logger.Error("memory stats failed", "error", err)
		return engram.MemoryStats{}, storeErr("memory stats", err)
	}
	return stats, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFact(row scanner) (engram.CoreFact, error) {
	var f engram.CoreFact
	var lastAccessed, createdAt, updatedAt int64
	var meta sql.NullString
	err := row.Scan(&f.ID, &f.UserID, &f.Key, &f.Value, &f.Importance, &f.AccessCount,
		&lastAccessed, &meta, &createdAt, &updatedAt)
	if err != nil {
		return engram.CoreFact{}, err
	}
	f.LastAccessed = fromUnix(lastAccessed)
	f.CreatedAt = fromUnix(createdAt)
	f.UpdatedAt = fromUnix(updatedAt)
	f.Metadata = decodeJSON(meta)
	return f, nil
}

func scanRecall(row scanner) (engram.RecallItem, error) {
	var item engram.RecallItem
	var lastAccessed, createdAt int64
	var emb, meta sql.NullString
	err := row.Scan(&item.ID, &item.UserID, &item.SessionID, &item.Content, &emb,
		&item.Importance, &item.AccessCount, &lastAccessed, &item.Source, &meta, &createdAt)
	if err != nil {
		return engram.RecallItem{}, err
	}
	item.Embedding = decodeEmbedding(emb)
	item.Metadata = decodeJSON(meta)
	item.LastAccessed = fromUnix(lastAccessed)
	item.CreatedAt = fromUnix(createdAt)
	return item, nil
}

func scanArchival(row scanner) (engram.ArchivalItem, error) {
	var item engram.ArchivalItem
	var createdAt int64
	var compressed int
	var intoID, meta sql.NullString
	err := row.Scan(&item.ID, &item.UserID, &item.SessionID, &item.Content, &item.Source,
		&compressed, &intoID, &meta, &createdAt)
	if err != nil {
		return engram.ArchivalItem{}, err
	}
	item.Compressed = compressed != 0
	item.CompressedIntoID = intoID.String
	item.Metadata = decodeJSON(meta)
	item.CreatedAt = fromUnix(createdAt)
	return item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
