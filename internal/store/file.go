package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/flemzord/smartfolders/internal/folder"
)

const (
	foldersDir  = "folders"
	sessionsDir = "sessions"
	folderExt   = ".json"
	sessionExt  = ".session"

	fileMode = 0o600
	dirMode  = 0o700
)

// File stores one JSON document per user for folders and one file per user
// for session blobs under a data directory. Files are written with 0600
// permissions through a temp file and rename.
type File struct {
	root string
}

type folderDocument struct {
	Version int             `json:"version"`
	Folders []folder.Folder `json:"folders"`
}

// NewFile creates the directory layout under root.
func NewFile(root string) (*File, error) {
	for _, dir := range []string{foldersDir, sessionsDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), dirMode); err != nil {
			return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
		}
	}
	return &File{root: root}, nil
}

func (f *File) folderPath(userID int64) string {
	return filepath.Join(f.root, foldersDir, strconv.FormatInt(userID, 10)+folderExt)
}

func (f *File) blobPath(userID int64) string {
	return filepath.Join(f.root, sessionsDir, strconv.FormatInt(userID, 10)+sessionExt)
}

// LoadFolders implements folder.Store.
func (f *File) LoadFolders(_ context.Context, userID int64) ([]folder.Folder, error) {
	data, err := os.ReadFile(f.folderPath(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read folders for %d: %w", userID, err)
	}
	var doc folderDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("store: decode folders for %d: %w", userID, err)
	}
	return doc.Folders, nil
}

// SaveFolders implements folder.Store. An empty list removes the file.
func (f *File) SaveFolders(_ context.Context, userID int64, folders []folder.Folder) error {
	path := f.folderPath(userID)
	if len(folders) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return persistenceError("remove folders", err)
		}
		return nil
	}
	data, err := json.MarshalIndent(folderDocument{Version: 1, Folders: folders}, "", "  ")
	if err != nil {
		return persistenceError("encode folders", err)
	}
	if err := writeAtomic(path, data); err != nil {
		return persistenceError("write folders", err)
	}
	return nil
}

// FolderUsers implements folder.Store.
func (f *File) FolderUsers(_ context.Context) ([]int64, error) {
	return listUsers(filepath.Join(f.root, foldersDir), folderExt)
}

// LoadBlob implements session.BlobStore.
func (f *File) LoadBlob(_ context.Context, userID int64) ([]byte, error) {
	data, err := os.ReadFile(f.blobPath(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read session for %d: %w", userID, err)
	}
	return data, nil
}

// SaveBlob implements session.BlobStore.
func (f *File) SaveBlob(_ context.Context, userID int64, blob []byte) error {
	if err := writeAtomic(f.blobPath(userID), blob); err != nil {
		return persistenceError("write session", err)
	}
	return nil
}

// DeleteBlob implements session.BlobStore. The file is overwritten with
// zeros before removal.
func (f *File) DeleteBlob(_ context.Context, userID int64) error {
	path := f.blobPath(userID)
	if info, err := os.Stat(path); err == nil {
		_ = os.WriteFile(path, make([]byte, info.Size()), fileMode)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistenceError("remove session", err)
	}
	return nil
}

// BlobUsers implements session.BlobStore.
func (f *File) BlobUsers(_ context.Context) ([]int64, error) {
	return listUsers(filepath.Join(f.root, sessionsDir), sessionExt)
}

func listUsers(dir, ext string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", dir, err)
	}
	var users []int64
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ext)
		if !ok || e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		users = append(users, id)
	}
	slices.Sort(users)
	return users, nil
}

// writeAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
