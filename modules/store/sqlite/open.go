package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// Open opens (creating if needed) a SQLite database at path and returns a
// Store backed by it, using the default journal and sync settings. The
// caller closes the Store when done.
func Open(path string) (*Store, error) {
	cfg := Config{Path: path}
	cfg.defaults()
	db, err := openDB(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// openDB opens the database described by cfg and migrates its schema.
func openDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}

	// SQLite handles one writer at a time; a single connection keeps the
	// PRAGMAs below in effect for every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range cfg.pragmas() {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Session blobs hold credentials.
	if err := os.Chmod(cfg.Path, 0o600); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: restrict permissions on %s: %w", cfg.Path, err)
	}

	return db, nil
}
