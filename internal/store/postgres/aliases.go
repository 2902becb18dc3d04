package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pcurie/loquax/internal/conv"
)

// AliasRepo persists the speaker alias table. Aliases are case-insensitively
// unique per user; inserts of an existing (user, alias) pair are idempotent.
// All methods are safe for concurrent use.
type AliasRepo struct {
	pool *pgxpool.Pool
}

// Add inserts an alias. Duplicate (user_id, lower(alias)) pairs are ignored.
func (r *AliasRepo) Add(ctx context.Context, a conv.Alias) error {
	if strings.TrimSpace(a.Alias) == "" {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	const q = `
		INSERT INTO speaker_aliases (user_id, alias, alias_type, confidence, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, lower(alias)) DO NOTHING`
	if _, err := r.pool.Exec(ctx, q, a.UserID, a.Alias, a.Type, a.Confidence, a.CreatedBy, a.CreatedAt); err != nil {
		return fmt.Errorf("alias repo: add %q for %s: %w", a.Alias, a.UserID, err)
	}
	return nil
}

// Seed registers a user's username and display name as aliases. Called on a
// user's first utterance in a session; repeated calls are no-ops.
func (r *AliasRepo) Seed(ctx context.Context, userID, username, displayName string) error {
	now := time.Now().UTC()
	if err := r.Add(ctx, conv.Alias{
		UserID:     userID,
		Alias:      username,
		Type:       conv.AliasUsername,
		Confidence: 1.0,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if !strings.EqualFold(displayName, username) {
		if err := r.Add(ctx, conv.Alias{
			UserID:     userID,
			Alias:      displayName,
			Type:       conv.AliasDisplayName,
			Confidence: 1.0,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes an alias by user and (case-insensitive) alias text.
func (r *AliasRepo) Remove(ctx context.Context, userID, alias string) error {
	const q = `
		DELETE FROM speaker_aliases
		WHERE  user_id = $1 AND lower(alias) = lower($2)`
	if _, err := r.pool.Exec(ctx, q, userID, alias); err != nil {
		return fmt.Errorf("alias repo: remove %q for %s: %w", alias, userID, err)
	}
	return nil
}

// ListByUser returns all aliases registered for one user.
func (r *AliasRepo) ListByUser(ctx context.Context, userID string) ([]conv.Alias, error) {
	const q = `
		SELECT id, user_id, alias, alias_type, confidence, created_by, created_at
		FROM   speaker_aliases
		WHERE  user_id = $1
		ORDER  BY created_at, id`
	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("alias repo: list for %s: %w", userID, err)
	}
	aliases, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conv.Alias, error) {
		var a conv.Alias
		err := row.Scan(&a.ID, &a.UserID, &a.Alias, &a.Type, &a.Confidence, &a.CreatedBy, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("alias repo: scan rows: %w", err)
	}
	return aliases, nil
}

// Map returns the full alias map keyed by lowercased alias text. When the
// same alias resolves to several users, the earliest registration wins.
func (r *AliasRepo) Map(ctx context.Context) (map[string]string, error) {
	const q = `
		SELECT lower(alias), user_id
		FROM   speaker_aliases
		ORDER  BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("alias repo: map: %w", err)
	}
	defer rows.Close()
	// Descending order plus map overwrite leaves the oldest row in place.
	m := make(map[string]string)
	for rows.Next() {
		var alias, userID string
		if err := rows.Scan(&alias, &userID); err != nil {
			return nil, fmt.Errorf("alias repo: scan map row: %w", err)
		}
		m[alias] = userID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alias repo: map rows: %w", err)
	}
	return m, nil
}
