package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	engram "github.com/nevindra/engram"
)

func (s *Store) AppendExchange(ctx context.Context, x engram.Exchange) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return pgErr("append exchange", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().Unix()
	tokens := int64(x.User.Tokens) + int64(x.Assistant.Tokens)
	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, user_id, channel_id, token_count, started_at, last_active)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (id) DO UPDATE SET
			token_count = sessions.token_count + EXCLUDED.token_count,
			last_active = EXCLUDED.last_active`,
		x.SessionID, x.UserID, x.ChannelID, tokens, now)
	if err != nil {
		return pgErr("append exchange", err)
	}
	for _, msg := range []engram.StoredMessage{x.User, x.Assistant} {
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, session_id, user_id, role, content, tokens, status, intent, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			msg.ID, x.SessionID, x.UserID, msg.Role, msg.Content, msg.Tokens, msg.Status, msg.Intent, now)
		if err != nil {
			return pgErr("append exchange", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return pgErr("append exchange", err)
	}
	return nil
}

func (s *Store) SessionMessages(ctx context.Context, userID, sessionID string, limit int) ([]engram.StoredMessage, error) {
	// Most recent messages, returned oldest first. ctid breaks ties
	// within one second so insertion order survives the DESC page.
	query := `SELECT id, session_id, user_id, role, content, tokens, status, intent, created_at
		 FROM messages WHERE session_id = $1 AND user_id = $2
		 ORDER BY created_at DESC, ctid DESC`
	if limit > 0 {
		query += ` LIMIT ` + itoa(limit)
	}
	rows, err := s.pool.Query(ctx, query, sessionID, userID)
	if err != nil {
		return nil, pgErr("session messages", err)
	}
	defer rows.Close()

	var out []engram.StoredMessage
	for rows.Next() {
		var msg engram.StoredMessage
		var createdAt int64
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &msg.Role, &msg.Content,
			&msg.Tokens, &msg.Status, &msg.Intent, &createdAt)
		if err != nil {
			return nil, pgErr("session messages", err)
		}
		msg.CreatedAt = fromUnix(createdAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("session messages", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) SessionInfo(ctx context.Context, userID, sessionID string) (engram.SessionInfo, bool, error) {
	var info engram.SessionInfo
	var startedAt, lastActive int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, channel_id, token_count, started_at, last_active
		 FROM sessions WHERE id = $1 AND user_id = $2`, sessionID, userID).
		Scan(&info.ID, &info.UserID, &info.ChannelID, &info.TokenCount, &startedAt, &lastActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return engram.SessionInfo{}, false, nil
	}
	if err != nil {
		return engram.SessionInfo{}, false, pgErr("session info", err)
	}
	info.StartedAt = fromUnix(startedAt)
	info.LastActive = fromUnix(lastActive)
	return info, true, nil
}
