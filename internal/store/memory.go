package store

import (
	"context"
	"slices"
	"sync"

	"github.com/flemzord/smartfolders/internal/folder"
)

// Memory keeps folders and blobs in process. Used by tests and when no
// durable store is configured.
type Memory struct {
	mu      sync.RWMutex
	folders map[int64][]folder.Folder
	blobs   map[int64][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		folders: make(map[int64][]folder.Folder),
		blobs:   make(map[int64][]byte),
	}
}

// LoadFolders implements folder.Store.
func (m *Memory) LoadFolders(_ context.Context, userID int64) ([]folder.Folder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return folder.CloneAll(m.folders[userID]), nil
}

// SaveFolders implements folder.Store.
func (m *Memory) SaveFolders(_ context.Context, userID int64, folders []folder.Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(folders) == 0 {
		delete(m.folders, userID)
		return nil
	}
	m.folders[userID] = folder.CloneAll(folders)
	return nil
}

// FolderUsers implements folder.Store.
func (m *Memory) FolderUsers(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]int64, 0, len(m.folders))
	for id := range m.folders {
		users = append(users, id)
	}
	slices.Sort(users)
	return users, nil
}

// LoadBlob implements session.BlobStore.
func (m *Memory) LoadBlob(_ context.Context, userID int64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blob, ok := m.blobs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(blob), nil
}

// SaveBlob implements session.BlobStore.
func (m *Memory) SaveBlob(_ context.Context, userID int64, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[userID] = slices.Clone(blob)
	return nil
}

// DeleteBlob implements session.BlobStore.
func (m *Memory) DeleteBlob(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, userID)
	return nil
}

// BlobUsers implements session.BlobStore.
func (m *Memory) BlobUsers(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]int64, 0, len(m.blobs))
	for id := range m.blobs {
		users = append(users, id)
	}
	slices.Sort(users)
	return users, nil
}
