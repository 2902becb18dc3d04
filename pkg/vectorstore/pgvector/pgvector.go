// Package pgvector implements vectorstore.Store on PostgreSQL with the
// pgvector extension. Each collection is one table holding a text id, a
// vector(d) embedding with an HNSW cosine index, and a JSONB payload.
//
// The pool is shared with the relational store; pgvector types must be
// registered on every connection (see the store package's AfterConnect
// hook).
package pgvector

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"

	"github.com/pcurie/loquax/pkg/vectorstore"
)

// Compile-time interface check.
var _ vectorstore.Store = (*Store)(nil)

// collectionName restricts collection names to safe SQL identifier
// characters, since the table name is interpolated into DDL and queries.
var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// Store implements vectorstore.Store over a pgxpool.Pool.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool. The pool must have pgvector types
// registered via its AfterConnect hook.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// tableName validates the collection name and returns the backing table
// identifier.
func tableName(collection string) (string, error) {
	if !collectionName.MatchString(collection) {
		return "", fmt.Errorf("pgvector store: invalid collection name %q", collection)
	}
	return "vec_" + collection, nil
}

// EnsureCollection implements vectorstore.Store. The vector dimension is
// baked into the column type at creation time; changing it later requires a
// manual schema change.
func (s *Store) EnsureCollection(ctx context.Context, name string, dimensions int) error {
	table, err := tableName(name)
	if err != nil {
		return err
	}
	if dimensions <= 0 {
		return fmt.Errorf("pgvector store: dimensions must be positive, got %d", dimensions)
	}

	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
    id          TEXT         PRIMARY KEY,
    embedding   vector(%[2]d),
    payload     JSONB        NOT NULL DEFAULT '{}',
    inserted_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_embedding
    ON %[1]s USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_%[1]s_payload
    ON %[1]s USING GIN (payload);
`, table, dimensions)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgvector store: ensure collection %q: %w", name, err)
	}
	return nil
}

// Upsert implements vectorstore.Store. The point is completely replaced on
// conflict; inserted_at is preserved so Scroll order stays stable.
func (s *Store) Upsert(ctx context.Context, collection string, p vectorstore.Point) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("pgvector store: marshal payload for %q: %w", p.ID, err)
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, payload, inserted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    embedding = EXCLUDED.embedding,
		    payload   = EXCLUDED.payload`, table)

	_, err = s.pool.Exec(ctx, q, p.ID, pgvec.NewVector(p.Vector), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("pgvector store: upsert %q into %q: %w", p.ID, collection, err)
	}
	return nil
}

// Retrieve implements vectorstore.Store.
func (s *Store) Retrieve(ctx context.Context, collection string, ids []string) ([]vectorstore.Point, error) {
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	q := fmt.Sprintf(`
		SELECT id, embedding, payload
		FROM   %s
		WHERE  id = ANY($1)`, table)

	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: retrieve from %q: %w", collection, err)
	}
	points, err := collectPoints(rows)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: scan %q rows: %w", collection, err)
	}

	// Preserve the caller's id order.
	byID := make(map[string]vectorstore.Point, len(points))
	for _, p := range points {
		byID[p.ID] = p
	}
	ordered := make([]vectorstore.Point, 0, len(points))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			ordered = append(ordered, p)
		}
	}
	return ordered, nil
}

// Search implements vectorstore.Store using the pgvector cosine distance
// operator; results are ordered most similar first.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, limit int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}

	args := []any{pgvec.NewVector(vector)}
	where := ""
	if len(filter) > 0 {
		fj, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("pgvector store: marshal filter: %w", err)
		}
		args = append(args, fj)
		where = fmt.Sprintf("WHERE payload @> $%d", len(args))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, embedding, payload, embedding <=> $1 AS distance
		FROM   %s
		%s
		ORDER  BY distance
		LIMIT  $%d`, table, where, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: search %q: %w", collection, err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.Hit, error) {
		var (
			h       vectorstore.Hit
			vec     pgvec.Vector
			payload []byte
		)
		if err := row.Scan(&h.ID, &vec, &payload, &h.Score); err != nil {
			return vectorstore.Hit{}, err
		}
		h.Vector = vec.Slice()
		if err := json.Unmarshal(payload, &h.Payload); err != nil {
			return vectorstore.Hit{}, err
		}
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector store: scan %q hits: %w", collection, err)
	}
	return hits, nil
}

// Scroll implements vectorstore.Store; points come back in insertion order.
func (s *Store) Scroll(ctx context.Context, collection string, filter vectorstore.Filter, limit int) ([]vectorstore.Point, error) {
	table, err := tableName(collection)
	if err != nil {
		return nil, err
	}

	var args []any
	where := ""
	if len(filter) > 0 {
		fj, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("pgvector store: marshal filter: %w", err)
		}
		args = append(args, fj)
		where = fmt.Sprintf("WHERE payload @> $%d", len(args))
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
		SELECT id, embedding, payload
		FROM   %s
		%s
		ORDER  BY inserted_at, id
		LIMIT  $%d`, table, where, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: scroll %q: %w", collection, err)
	}
	points, err := collectPoints(rows)
	if err != nil {
		return nil, fmt.Errorf("pgvector store: scan %q rows: %w", collection, err)
	}
	return points, nil
}

// collectPoints scans (id, embedding, payload) rows into Points.
func collectPoints(rows pgx.Rows) ([]vectorstore.Point, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.Point, error) {
		var (
			p       vectorstore.Point
			vec     pgvec.Vector
			payload []byte
		)
		if err := row.Scan(&p.ID, &vec, &payload); err != nil {
			return vectorstore.Point{}, err
		}
		p.Vector = vec.Slice()
		if err := json.Unmarshal(payload, &p.Payload); err != nil {
			return vectorstore.Point{}, err
		}
		return p, nil
	})
}
