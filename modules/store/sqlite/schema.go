package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations[i] upgrades the schema from version i to i+1. Applied versions
// are recorded in schema_version so reopening a database is a no-op.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS folders (
			user_id     INTEGER NOT NULL,
			id          TEXT    NOT NULL,
			position    INTEGER NOT NULL,
			name        TEXT    NOT NULL,
			sources     TEXT    NOT NULL DEFAULT '[]',
			destination INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT    NOT NULL,
			PRIMARY KEY (user_id, id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_folders_user ON folders(user_id, position)`,

		`CREATE TABLE IF NOT EXISTS session_blobs (
			user_id    INTEGER PRIMARY KEY,
			blob       BLOB    NOT NULL,
			updated_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	},
}

// schemaVersion is the version a fully migrated database reports.
var schemaVersion = len(migrations)

// migrate brings the database schema up to schemaVersion.
func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("sqlite: create schema_version: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: database schema version %d is newer than supported version %d", current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %d: %w", v+1, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("sqlite: migrate to %d: %w\nstatement: %s", v+1, err, stmt)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", v+1, err)
		}
	}

	return nil
}
