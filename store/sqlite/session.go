package sqlite

import (
	"context"
	"database/sql"
	"time"

	engram "github.com/nevindra/engram"
)

func (s *Store) AppendExchange(ctx context.Context, x engram.Exchange) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("append exchange", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	tokens := int64(x.User.Tokens) + int64(x.Assistant.Tokens)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, channel_id, token_count, started_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			token_count = token_count + excluded.token_count,
			last_active = excluded.last_active`,
		x.SessionID, x.UserID, x.ChannelID, tokens, unix(now), unix(now))
	if err != nil {
		s.logger.Error("session upsert failed", "error", err)
		return storeErr("append exchange", err)
	}
	for _, msg := range []engram.StoredMessage{x.User, x.Assistant} {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, user_id, role, content, tokens, status, intent, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, x.SessionID, x.UserID, msg.Role, msg.Content, msg.Tokens, msg.Status, msg.Intent, unix(now))
		if err != nil {
			s.logger.Error("message insert failed", "role", msg.Role, "error", err)
			return storeErr("append exchange", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("append exchange", err)
	}
	s.logger.Debug("exchange stored", "tokens", tokens, "duration", time.Since(start))
	return nil
}

func (s *Store) SessionMessages(ctx context.Context, userID, sessionID string, limit int) ([]engram.StoredMessage, error) {
	// Most recent messages, returned oldest first. The DESC page is
	// reversed in Go.
	query := `SELECT id, session_id, user_id, role, content, tokens, status, intent, created_at
		 FROM messages WHERE session_id = ? AND user_id = ?
		 ORDER BY created_at DESC, rowid DESC`
	args := []any{sessionID, userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("session messages failed", "error", err)
		return nil, storeErr("session messages", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []engram.StoredMessage
	for rows.Next() {
		var msg engram.StoredMessage
		var createdAt int64
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &msg.Role, &msg.Content,
			&msg.Tokens, &msg.Status, &msg.Intent, &createdAt)
		if err != nil {
			return nil, storeErr("session messages", err)
		}
		msg.CreatedAt = fromUnix(createdAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("session messages", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) SessionInfo(ctx context.Context, userID, sessionID string) (engram.SessionInfo, bool, error) {
	var info engram.SessionInfo
	var startedAt, lastActive int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, channel_id, token_count, started_at, last_active
		 FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID).
		Scan(&info.ID, &info.UserID, &info.ChannelID, &info.TokenCount, &startedAt, &lastActive)
	if err == sql.ErrNoRows {
		return engram.SessionInfo{}, false, nil
	}
	if err != nil {
		s.logger.Error("session info failed", "error", err)
		return engram.SessionInfo{}, false, storeErr("session info", err)
	}
	info.StartedAt = fromUnix(startedAt)
	info.LastActive = fromUnix(lastActive)
	return info, true, nil
}
