// Package postgres provides the PostgreSQL-backed relational store for the
// transcription pipeline: sessions, participants, utterances, messages,
// speaker aliases, and the durable enrichment queue.
//
// All repositories share a single [pgxpool.Pool]. The pool registers
// pgvector types on every connection so that the same pool can back the
// pgvector vector store. [Migrate] is idempotent and runs on every start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, err := store.Sessions().Create(ctx, session)
//	u, err := store.Utterances().Insert(ctx, utterance)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store is the central relational store. All operations are safe for
// concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	sessions   *SessionRepo
	utterances *UtteranceRepo
	messages   *MessageRepo
	aliases    *AliasRepo
	queue      *QueueRepo
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types so the pool can also serve the vector store.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:       pool,
		sessions:   &SessionRepo{pool: pool},
		utterances: &UtteranceRepo{pool: pool},
		messages:   &MessageRepo{pool: pool},
		aliases:    &AliasRepo{pool: pool},
		queue:      &QueueRepo{pool: pool},
	}, nil
}

// Sessions returns the session and participant repository.
func (s *Store) Sessions() *SessionRepo { return s.sessions }

// Utterances returns the utterance repository.
func (s *Store) Utterances() *UtteranceRepo { return s.utterances }

// Messages returns the text-message repository.
func (s *Store) Messages() *MessageRepo { return s.messages }

// Aliases returns the speaker-alias repository.
func (s *Store) Aliases() *AliasRepo { return s.aliases }

// Queue returns the enrichment queue repository.
func (s *Store) Queue() *QueueRepo { return s.queue }

// Pool exposes the underlying pool so the pgvector store can share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database reachability; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
