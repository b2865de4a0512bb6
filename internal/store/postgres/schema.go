// Package postgres provides the PostgreSQL-backed implementation of the
// store interfaces: stories, characters, the message log, and the energy
// ledger tables the entitlement gate reads.
//
// All tables share a single [pgxpool.Pool]. [Migrate] creates everything
// with CREATE IF NOT EXISTS and seeds the reserved narrator character.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCharacters = `
CREATE TABLE IF NOT EXISTS characters (
    id           BIGSERIAL    PRIMARY KEY,
    name         TEXT         NOT NULL,
    bio          TEXT         NOT NULL DEFAULT '',
    personality  TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

INSERT INTO characters (id, name, bio)
VALUES (0, 'Narrator', 'The voice describing the world between character lines.')
ON CONFLICT (id) DO NOTHING;
`

const ddlStories = `
CREATE TABLE IF NOT EXISTS stories (
    id            TEXT         PRIMARY KEY,
    name          TEXT         NOT NULL,
    owner_id      TEXT         NOT NULL,
    cast_ids      BIGINT[]     NOT NULL,
    human_char_id BIGINT       NOT NULL,
    setup         TEXT         NOT NULL DEFAULT '',
    fabula        TEXT         NOT NULL DEFAULT '',
    summary       TEXT         NOT NULL DEFAULT '',
    checkpoint    BIGINT       NOT NULL DEFAULT 0,
    turn_char_id  BIGINT       NOT NULL,
    reason        TEXT,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_stories_owner_id
    ON stories (owner_id);
`

// Message ids come from a global sequence rather than a per-table serial so
// that an id can be reserved before the row exists. Every reserved id is
// inserted exactly once, keeping ids gap-free per successful turn.
const ddlMessages = `
CREATE SEQUENCE IF NOT EXISTS story_message_ids;

CREATE TABLE IF NOT EXISTS story_messages (
    id           BIGINT       PRIMARY KEY DEFAULT nextval('story_message_ids'),
    story_id     TEXT         NOT NULL REFERENCES stories (id) ON DELETE CASCADE,
    char_id      BIGINT       NOT NULL,
    text         TEXT         NOT NULL,
    token_length INT          NOT NULL DEFAULT 0,
    token_usage  INT          NOT NULL DEFAULT 0,
    energy_usage INT          NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_story_messages_story_id
    ON story_messages (story_id, id);
`

const ddlEnergy = `
CREATE TABLE IF NOT EXISTS energy_grants (
    id         BIGSERIAL    PRIMARY KEY,
    user_id    TEXT         NOT NULL,
    amount     INT          NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_energy_grants_user_id
    ON energy_grants (user_id);

CREATE TABLE IF NOT EXISTS energy_purchases (
    id         BIGSERIAL    PRIMARY KEY,
    user_id    TEXT         NOT NULL,
    amount     INT          NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_energy_purchases_user_id
    ON energy_purchases (user_id);
`

// Migrate creates all tables, indexes and sequences if they do not exist.
// It is idempotent and safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlCharacters, ddlStories, ddlMessages, ddlEnergy} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
