package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pcurie/loquax/internal/conv"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique-constraint errors.
const uniqueViolation = "23505"

// seqRetries bounds the optimistic retries when two inserts for the same
// session race on sequence_num allocation.
const seqRetries = 3

// UtteranceRepo persists immutable utterance rows.
// All methods are safe for concurrent use.
type UtteranceRepo struct {
	pool *pgxpool.Pool
}

// Insert writes an utterance, allocating the next session-scoped
// sequence_num inside the statement. The unique (session_id, sequence_num)
// index turns allocation races into retries, so the returned sequence is
// always 1 + the previous maximum for the session.
func (r *UtteranceRepo) Insert(ctx context.Context, u conv.Utterance) (conv.Utterance, error) {
	var prosody []byte
	if u.Prosody != nil {
		var err error
		prosody, err = json.Marshal(u.Prosody)
		if err != nil {
			return conv.Utterance{}, fmt.Errorf("utterance repo: marshal prosody: %w", err)
		}
	}

	const q = `
		INSERT INTO utterances
		    (session_id, user_id, username, display_name, text,
		     started_at, ended_at, confidence, audio_duration, prosody, sequence_num)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		       COALESCE(MAX(sequence_num), 0) + 1
		FROM   utterances
		WHERE  session_id = $1
		RETURNING id, sequence_num`

	var lastErr error
	for range seqRetries {
		err := r.pool.QueryRow(ctx, q,
			u.SessionID, u.UserID, u.Username, u.DisplayName, u.Text,
			u.StartedAt.UTC(), u.EndedAt.UTC(), u.Confidence, u.AudioDuration, prosody,
		).Scan(&u.ID, &u.SequenceNum)
		if err == nil {
			return u, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			lastErr = err
			continue
		}
		return conv.Utterance{}, fmt.Errorf("utterance repo: insert: %w", err)
	}
	return conv.Utterance{}, fmt.Errorf("utterance repo: insert: sequence contention: %w", lastErr)
}

// BySession returns a session's utterances in sequence order.
func (r *UtteranceRepo) BySession(ctx context.Context, sessionID string) ([]conv.Utterance, error) {
	const q = `
		SELECT id, session_id, user_id, username, display_name, text,
		       started_at, ended_at, confidence, audio_duration, sequence_num, prosody
		FROM   utterances
		WHERE  session_id = $1
		ORDER  BY sequence_num`
	rows, err := r.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("utterance repo: by session %s: %w", sessionID, err)
	}
	return collectUtterances(rows)
}

// ByIDs returns the utterances with the given ids in id order.
func (r *UtteranceRepo) ByIDs(ctx context.Context, ids []int64) ([]conv.Utterance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
		SELECT id, session_id, user_id, username, display_name, text,
		       started_at, ended_at, confidence, audio_duration, sequence_num, prosody
		FROM   utterances
		WHERE  id = ANY($1)
		ORDER  BY id`
	rows, err := r.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("utterance repo: by ids: %w", err)
	}
	return collectUtterances(rows)
}

// SessionStats aggregates utterance counts, word counts, talk time per
// speaker, and the covered duration for one session.
func (r *UtteranceRepo) SessionStats(ctx context.Context, sessionID string) (conv.SessionStats, error) {
	stats := conv.SessionStats{
		SessionID: sessionID,
		TalkTime:  make(map[string]float64),
	}

	const totals = `
		SELECT COUNT(*),
		       COALESCE(SUM(array_length(regexp_split_to_array(trim(text), '\s+'), 1)), 0),
		       COALESCE(EXTRACT(EPOCH FROM (MAX(ended_at) - MIN(started_at))), 0)
		FROM   utterances
		WHERE  session_id = $1`
	var seconds float64
	if err := r.pool.QueryRow(ctx, totals, sessionID).Scan(&stats.UtteranceCount, &stats.WordCount, &seconds); err != nil {
		return conv.SessionStats{}, fmt.Errorf("utterance repo: stats %s: %w", sessionID, err)
	}
	stats.Duration = time.Duration(seconds * float64(time.Second))

	const perUser = `
		SELECT user_id, COALESCE(SUM(audio_duration), 0)
		FROM   utterances
		WHERE  session_id = $1
		GROUP  BY user_id`
	rows, err := r.pool.Query(ctx, perUser, sessionID)
	if err != nil {
		return conv.SessionStats{}, fmt.Errorf("utterance repo: talk time %s: %w", sessionID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			userID string
			talk   float64
		)
		if err := rows.Scan(&userID, &talk); err != nil {
			return conv.SessionStats{}, fmt.Errorf("utterance repo: scan talk time: %w", err)
		}
		stats.TalkTime[userID] = talk
	}
	if err := rows.Err(); err != nil {
		return conv.SessionStats{}, fmt.Errorf("utterance repo: talk time rows: %w", err)
	}
	return stats, nil
}

// collectUtterances scans full utterance rows.
func collectUtterances(rows pgx.Rows) ([]conv.Utterance, error) {
	utts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conv.Utterance, error) {
		var (
			u       conv.Utterance
			prosody []byte
		)
		err := row.Scan(&u.ID, &u.SessionID, &u.UserID, &u.Username, &u.DisplayName, &u.Text,
			&u.StartedAt, &u.EndedAt, &u.Confidence, &u.AudioDuration, &u.SequenceNum, &prosody)
		if err != nil {
			return conv.Utterance{}, err
		}
		if len(prosody) > 0 {
			var p conv.Prosody
			if err := json.Unmarshal(prosody, &p); err != nil {
				return conv.Utterance{}, err
			}
			u.Prosody = &p
		}
		return u, nil
	})
	if err != nil {
		return nil, fmt.Errorf("utterance repo: scan rows: %w", err)
	}
	return utts, nil
}
