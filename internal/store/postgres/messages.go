package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pcurie/loquax/internal/conv"
)

// MessageRepo persists text-channel messages observed during active
// sessions. All methods are safe for concurrent use.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// Insert writes one message row.
func (r *MessageRepo) Insert(ctx context.Context, m conv.Message) (conv.Message, error) {
	const q = `
		INSERT INTO messages (session_id, user_id, username, content, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	if err := r.pool.QueryRow(ctx, q, m.SessionID, m.UserID, m.Username, m.Content, m.SentAt.UTC()).Scan(&m.ID); err != nil {
		return conv.Message{}, fmt.Errorf("message repo: insert: %w", err)
	}
	return m, nil
}

// BySession returns a session's messages in sent order.
func (r *MessageRepo) BySession(ctx context.Context, sessionID string) ([]conv.Message, error) {
	const q = `
		SELECT id, session_id, user_id, username, content, sent_at
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY sent_at, id`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("message repo: by session %s: %w", sessionID, err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conv.Message, error) {
		var m conv.Message
		err := row.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Username, &m.Content, &m.SentAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("message repo: scan rows: %w", err)
	}
	return msgs, nil
}
