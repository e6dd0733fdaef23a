package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/smartfolders/internal/folder"
	"github.com/flemzord/smartfolders/internal/store"
)

// Store persists folders and session blobs in SQLite. Each user's folder
// list is replaced inside one transaction.
type Store struct {
	db *sql.DB
}

func persistenceError(op string, cause error) error {
	return fmt.Errorf("%w: sqlite: %s: %w", store.ErrPersistence, op, cause)
}

// LoadFolders implements folder.Store.
func (s *Store) LoadFolders(ctx context.Context, userID int64) ([]folder.Folder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, sources, destination, created_at
		FROM folders
		WHERE user_id = ?
		ORDER BY position`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load folders for %d: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []folder.Folder
	for rows.Next() {
		var (
			f         folder.Folder
			sources   string
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.Name, &sources, &f.Destination, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan folder: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &f.Sources); err != nil {
			return nil, fmt.Errorf("sqlite: decode sources of folder %s: %w", f.ID, err)
		}
		if f.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: parse created_at of folder %s: %w", f.ID, err)
		}
		f.UserID = userID
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate folders: %w", err)
	}
	return out, nil
}

// SaveFolders implements folder.Store. An empty list removes the user's rows.
func (s *Store) SaveFolders(ctx context.Context, userID int64, folders []folder.Folder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceError("begin save folders", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM folders WHERE user_id = ?", userID); err != nil {
		return persistenceError("clear folders", err)
	}

	for i, f := range folders {
		sources, err := json.Marshal(f.Sources)
		if err != nil {
			return persistenceError("encode sources", err)
		}
		createdAt := f.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO folders (user_id, id, position, name, sources, destination, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, f.ID, i, f.Name, string(sources), f.Destination,
			createdAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return persistenceError("insert folder "+f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return persistenceError("commit folders", err)
	}
	return nil
}

// FolderUsers implements folder.Store.
func (s *Store) FolderUsers(ctx context.Context) ([]int64, error) {
	return s.users(ctx, "SELECT DISTINCT user_id FROM folders ORDER BY user_id")
}

// LoadBlob implements session.BlobStore. It returns store.ErrNotFound when
// the user has no stored session.
func (s *Store) LoadBlob(ctx context.Context, userID int64) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT blob FROM session_blobs WHERE user_id = ?", userID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load session for %d: %w", userID, err)
	}
	return blob, nil
}

// SaveBlob implements session.BlobStore.
func (s *Store) SaveBlob(ctx context.Context, userID int64, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_blobs (user_id, blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		userID, blob, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return persistenceError("save session", err)
	}
	return nil
}

// DeleteBlob implements session.BlobStore. Deleting a missing blob is a no-op.
func (s *Store) DeleteBlob(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM session_blobs WHERE user_id = ?", userID); err != nil {
		return persistenceError("delete session", err)
	}
	return nil
}

// BlobUsers implements session.BlobStore.
func (s *Store) BlobUsers(ctx context.Context) ([]int64, error) {
	return s.users(ctx, "SELECT user_id FROM session_blobs ORDER BY user_id")
}

func (s *Store) users(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan user: %w", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate users: %w", err)
	}
	return users, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
