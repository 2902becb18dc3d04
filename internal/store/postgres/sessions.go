package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pcurie/loquax/internal/conv"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("postgres store: not found")

// SessionRepo persists sessions and their participants.
// All methods are safe for concurrent use.
type SessionRepo struct {
	pool *pgxpool.Pool
}

// Create inserts a new active session and returns it with a generated id.
func (r *SessionRepo) Create(ctx context.Context, channelID, channelName, guildID string) (conv.Session, error) {
	s := conv.Session{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		ChannelName: channelName,
		GuildID:     guildID,
		StartedAt:   time.Now().UTC(),
		Status:      conv.SessionActive,
	}
	const q = `
		INSERT INTO sessions (session_id, channel_id, channel_name, guild_id, started_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.pool.Exec(ctx, q, s.ID, s.ChannelID, s.ChannelName, s.GuildID, s.StartedAt, s.Status); err != nil {
		return conv.Session{}, fmt.Errorf("session repo: create: %w", err)
	}
	return s, nil
}

// End transitions an active session to a terminal status. Already-ended
// sessions are left untouched.
func (r *SessionRepo) End(ctx context.Context, sessionID string, status conv.SessionStatus, endedAt time.Time) error {
	const q = `
		UPDATE sessions
		SET    status = $2, ended_at = $3
		WHERE  session_id = $1 AND status = 'active'`
	if _, err := r.pool.Exec(ctx, q, sessionID, status, endedAt.UTC()); err != nil {
		return fmt.Errorf("session repo: end %s: %w", sessionID, err)
	}
	return nil
}

// Get returns one session by id.
func (r *SessionRepo) Get(ctx context.Context, sessionID string) (conv.Session, error) {
	const q = `
		SELECT session_id, channel_id, channel_name, guild_id, started_at, ended_at, status
		FROM   sessions
		WHERE  session_id = $1`
	row := r.pool.QueryRow(ctx, q, sessionID)
	var s conv.Session
	err := row.Scan(&s.ID, &s.ChannelID, &s.ChannelName, &s.GuildID, &s.StartedAt, &s.EndedAt, &s.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return conv.Session{}, fmt.Errorf("session repo: get %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return conv.Session{}, fmt.Errorf("session repo: get %s: %w", sessionID, err)
	}
	return s, nil
}

// Active returns all sessions still in the active state, oldest first.
// Used on startup to close out sessions orphaned by a crash.
func (r *SessionRepo) Active(ctx context.Context) ([]conv.Session, error) {
	const q = `
		SELECT session_id, channel_id, channel_name, guild_id, started_at, ended_at, status
		FROM   sessions
		WHERE  status = 'active'
		ORDER  BY started_at`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("session repo: list active: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conv.Session, error) {
		var s conv.Session
		err := row.Scan(&s.ID, &s.ChannelID, &s.ChannelName, &s.GuildID, &s.StartedAt, &s.EndedAt, &s.Status)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("session repo: scan active: %w", err)
	}
	return sessions, nil
}

// AddParticipant appends a participant row.
func (r *SessionRepo) AddParticipant(ctx context.Context, p conv.Participant) error {
	const q = `
		INSERT INTO participants (session_id, user_id, username, display_name, joined_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := r.pool.Exec(ctx, q, p.SessionID, p.UserID, p.Username, p.DisplayName, p.JoinedAt.UTC()); err != nil {
		return fmt.Errorf("session repo: add participant %s/%s: %w", p.SessionID, p.UserID, err)
	}
	return nil
}

// MarkParticipantLeft sets left_at on the user's open participant row.
func (r *SessionRepo) MarkParticipantLeft(ctx context.Context, sessionID, userID string, at time.Time) error {
	const q = `
		UPDATE participants
		SET    left_at = $3
		WHERE  session_id = $1 AND user_id = $2 AND left_at IS NULL`
	if _, err := r.pool.Exec(ctx, q, sessionID, userID, at.UTC()); err != nil {
		return fmt.Errorf("session repo: mark left %s/%s: %w", sessionID, userID, err)
	}
	return nil
}

// Participants returns all participant rows for a session in join order.
func (r *SessionRepo) Participants(ctx context.Context, sessionID string) ([]conv.Participant, error) {
	const q = `
		SELECT session_id, user_id, username, display_name, joined_at, left_at
		FROM   participants
		WHERE  session_id = $1
		ORDER  BY joined_at`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session repo: participants %s: %w", sessionID, err)
	}
	parts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conv.Participant, error) {
		var p conv.Participant
		err := row.Scan(&p.SessionID, &p.UserID, &p.Username, &p.DisplayName, &p.JoinedAt, &p.LeftAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("session repo: scan participants: %w", err)
	}
	return parts, nil
}
