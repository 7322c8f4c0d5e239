package database

import (
	"context"
	"fmt"
)

// schema is applied at startup. Statements are idempotent so repeated
// boots and rolling restarts are safe.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		user_id         TEXT PRIMARY KEY,
		uses_remaining  INTEGER NOT NULL DEFAULT 0 CHECK (uses_remaining >= -1),
		plan_kind       TEXT NOT NULL DEFAULT 'free',
		plan_expires_at TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS api_tokens (
		token       TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		email       TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_tokens_user_id ON api_tokens (user_id)`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the tables the server needs if they do not exist.
func (db *Database) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
