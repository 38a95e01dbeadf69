// Package migrations creates the audit schema.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sqlx.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var statements = []string{
	`CREATE TABLE IF NOT EXISTS vault_audit_events (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		severity      TEXT NOT NULL DEFAULT 'info',
		occurred_at   TIMESTAMPTZ NOT NULL,
		component     TEXT NOT NULL DEFAULT '',
		protocol_id   BIGINT NOT NULL DEFAULT 0,
		account       TEXT NOT NULL DEFAULT '',
		message       TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		metadata      JSONB,
		request_id    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS vault_audit_events_occurred_idx ON vault_audit_events (occurred_at DESC)`,
	`CREATE INDEX IF NOT EXISTS vault_audit_events_type_idx ON vault_audit_events (type, occurred_at DESC)`,
	`CREATE INDEX IF NOT EXISTS vault_audit_events_account_idx ON vault_audit_events (account) WHERE account <> ''`,
	`CREATE INDEX IF NOT EXISTS vault_audit_events_protocol_idx ON vault_audit_events (protocol_id) WHERE protocol_id <> 0`,
}

// Count returns the number of statements Apply executes.
func Count() int { return len(statements) }

// Apply runs every statement in order. Statements are idempotent.
func Apply(ctx context.Context, db Execer) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
