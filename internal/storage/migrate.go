package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// catalogMigrations is the ordered migration list for the shared catalog
// database. Position i runs when user_version == i.
var catalogMigrations = []string{
	`CREATE TABLE tenants (
		id         TEXT PRIMARY KEY,
		tier       TEXT NOT NULL,
		enc_mode   TEXT NOT NULL,
		wrapped_dek BLOB,
		dek_nonce  BLOB,
		dek_salt   BLOB,
		share_hash BLOB,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE rate_windows (
		tenant_id    TEXT NOT NULL,
		op           TEXT NOT NULL,
		count        INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		PRIMARY KEY (tenant_id, op)
	);
	CREATE TABLE processed_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	);
	CREATE TABLE usage_events (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		operation   TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX ix_usage_events_tenant ON usage_events(tenant_id, recorded_at);`,
}

// tenantMigrations is the ordered migration list for per-tenant databases.
var tenantMigrations = []string{
	`CREATE TABLE entries (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		category     TEXT,
		title        TEXT,
		title_ct     BLOB,
		title_nonce  BLOB,
		body         TEXT,
		body_ct      BLOB,
		body_nonce   BLOB,
		meta         TEXT,
		meta_ct      BLOB,
		meta_nonce   BLOB,
		enc_version  INTEGER,
		tags         TEXT,
		identity_key TEXT,
		team_scope   TEXT,
		expires_at   INTEGER,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX ux_entries_identity ON entries(kind, identity_key)
		WHERE identity_key IS NOT NULL;
	CREATE VIRTUAL TABLE entries_fts USING fts5(
		entry_id UNINDEXED, title, body, tags,
		tokenize='porter unicode61'
	);
	CREATE TABLE index_repairs (
		entry_id   TEXT NOT NULL,
		op         TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (entry_id, op)
	);`,
}

// applyMigrations brings db to the head of the migration list. Fully
// applied databases are a no-op, so reopen is idempotent. Each step runs
// in its own transaction with user_version advanced alongside it.
func applyMigrations(ctx context.Context, db *sql.DB, migrations []string) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading user_version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database version %d is newer than this binary (max %d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", i+1, err)
		}
		// PRAGMA does not take placeholders; the value is an int we control.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("bumping user_version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", i+1, err)
		}
	}

	return nil
}
