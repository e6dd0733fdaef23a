// Package folder maintains user-defined folders, each routing a set of
// source channels to one destination channel, with a reverse index for the
// forwarding hot path.
package folder

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Sentinel errors for folder operations.
var (
	ErrNotFound       = errors.New("folder: not found")
	ErrExists         = errors.New("folder: already exists")
	ErrInvalidName    = errors.New("folder: name must not be empty")
	ErrNoSources      = errors.New("folder: at least one source channel is required")
	ErrNoDestinations = errors.New("folder: no destination provider configured")
)

// Folder groups source channels relayed into one destination channel.
type Folder struct {
	ID      string  `json:"id"`
	UserID  int64   `json:"user_id"`
	Name    string  `json:"name"`
	Sources []int64 `json:"sources"`

	// Destination is zero until the aggregation channel is created.
	Destination int64     `json:"destination,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (f Folder) Clone() Folder {
	f.Sources = slices.Clone(f.Sources)
	return f
}

// CloneAll deep-copies a folder list.
func CloneAll(folders []Folder) []Folder {
	if folders == nil {
		return nil
	}
	out := make([]Folder, len(folders))
	for i, f := range folders {
		out[i] = f.Clone()
	}
	return out
}

// Store persists folder lists keyed by user id. SaveFolders replaces the
// user's whole list atomically; an empty list removes it.
type Store interface {
	LoadFolders(ctx context.Context, userID int64) ([]Folder, error)
	SaveFolders(ctx context.Context, userID int64, folders []Folder) error
	FolderUsers(ctx context.Context) ([]int64, error)
}

// Destinations creates and checks aggregation channels on behalf of a user.
type Destinations interface {
	CreateDestination(ctx context.Context, userID int64, title, about string) (int64, error)
	CheckDestination(ctx context.Context, userID int64, channel int64) error
}
