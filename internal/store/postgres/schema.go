package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sessions and participants
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id    TEXT         PRIMARY KEY,
    channel_id    TEXT         NOT NULL,
    channel_name  TEXT         NOT NULL DEFAULT '',
    guild_id      TEXT         NOT NULL DEFAULT '',
    started_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at      TIMESTAMPTZ,
    status        TEXT         NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS idx_sessions_channel
    ON sessions (channel_id);

CREATE INDEX IF NOT EXISTS idx_sessions_status
    ON sessions (status);

CREATE TABLE IF NOT EXISTS participants (
    session_id    TEXT         NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
    user_id       TEXT         NOT NULL,
    username      TEXT         NOT NULL DEFAULT '',
    display_name  TEXT         NOT NULL DEFAULT '',
    joined_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    left_at       TIMESTAMPTZ,
    PRIMARY KEY (session_id, user_id, joined_at)
);

CREATE INDEX IF NOT EXISTS idx_participants_session
    ON participants (session_id);
`

// ─────────────────────────────────────────────────────────────────────────────
// Utterances and messages
// ─────────────────────────────────────────────────────────────────────────────

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id             BIGSERIAL    PRIMARY KEY,
    session_id     TEXT         NOT NULL,
    user_id        TEXT         NOT NULL,
    username       TEXT         NOT NULL DEFAULT '',
    display_name   TEXT         NOT NULL DEFAULT '',
    text           TEXT         NOT NULL,
    started_at     TIMESTAMPTZ  NOT NULL,
    ended_at       TIMESTAMPTZ  NOT NULL,
    confidence     REAL         NOT NULL DEFAULT 1.0,
    audio_duration REAL         NOT NULL DEFAULT 0,
    sequence_num   INTEGER      NOT NULL,
    prosody        JSONB
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_utterances_session_seq
    ON utterances (session_id, sequence_num);

CREATE INDEX IF NOT EXISTS idx_utterances_session_started
    ON utterances (session_id, started_at);

CREATE INDEX IF NOT EXISTS idx_utterances_user_started
    ON utterances (user_id, started_at);

CREATE TABLE IF NOT EXISTS messages (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    user_id     TEXT         NOT NULL,
    username    TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    sent_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session
    ON messages (session_id, sent_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Speaker aliases
// ─────────────────────────────────────────────────────────────────────────────

const ddlAliases = `
CREATE TABLE IF NOT EXISTS speaker_aliases (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    alias       TEXT         NOT NULL,
    alias_type  TEXT         NOT NULL DEFAULT 'username',
    confidence  REAL         NOT NULL DEFAULT 1.0,
    created_by  TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_aliases_user_alias
    ON speaker_aliases (user_id, lower(alias));

CREATE INDEX IF NOT EXISTS idx_aliases_alias
    ON speaker_aliases (lower(alias));
`

// ─────────────────────────────────────────────────────────────────────────────
// Enrichment queue
// ─────────────────────────────────────────────────────────────────────────────

const ddlQueue = `
CREATE TABLE IF NOT EXISTS enrichment_queue (
    id           TEXT         PRIMARY KEY,
    target_type  TEXT         NOT NULL,
    target_id    TEXT         NOT NULL,
    task_type    TEXT         NOT NULL,
    priority     INTEGER      NOT NULL DEFAULT 2,
    status       TEXT         NOT NULL DEFAULT 'pending',
    attempts     INTEGER      NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    error        TEXT         NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_target_task
    ON enrichment_queue (target_type, target_id, task_type);

CREATE INDEX IF NOT EXISTS idx_queue_claim
    ON enrichment_queue (status, priority, created_at);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlUtterances,
		ddlAliases,
		ddlQueue,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
