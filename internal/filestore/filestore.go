// Package filestore stores uploaded site archives and extracts their contents.
package filestore

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when no content exists for a key.
var ErrNotFound = errors.New("filestore: not found")

// maxFileSize caps a single extracted file to guard against zip bombs.
const maxFileSize = 50 << 20 // 50 MiB

// Store is the object-storage surface the build pipeline consumes.
type Store interface {
	// Put stores content under the given key, overwriting any previous value.
	Put(key string, content []byte) error
	// GetContent fetches the raw bytes stored under key.
	GetContent(key string) ([]byte, error)
	// Delete removes the content for key. Missing keys are a no-op.
	Delete(key string) error
}

// ArchiveFile is one entry extracted from an uploaded archive.
type ArchiveFile struct {
	Name    string
	Content []byte
	Size    int64
}

// DiskStore is a Store backed by a flat directory of files.
type DiskStore struct {
	dir string
}

// NewDiskStore creates the backing directory if needed and returns a store.
func NewDiskStore(dir string) (*DiskStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("filestore: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return &DiskStore{dir: dir}, nil
}

// Put stores content under key.
func (s *DiskStore) Put(key string, content []byte) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("filestore: write %s: %w", key, err)
	}
	return nil
}

// GetContent fetches the bytes stored under key.
func (s *DiskStore) GetContent(key string) ([]byte, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("filestore: %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("filestore: read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the content for key.
func (s *DiskStore) Delete(key string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: delete %s: %w", key, err)
	}
	return nil
}

// keyPath validates the key and maps it to a path inside the store directory.
func (s *DiskStore) keyPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return "", fmt.Errorf("filestore: invalid key %q", key)
	}
	return filepath.Join(s.dir, key), nil
}

// ExtractArchive unpacks a zip archive into its individual files. Directory
// entries are skipped; entry names that escape the archive root are rejected.
func ExtractArchive(data []byte) ([]ArchiveFile, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("filestore: open archive: %w", err)
	}

	var files []ArchiveFile
	for _, entry := range r.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name, err := cleanEntryName(entry.Name)
		if err != nil {
			return nil, err
		}

		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("filestore: open entry %s: %w", entry.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxFileSize+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("filestore: read entry %s: %w", entry.Name, err)
		}
		if len(content) > maxFileSize {
			return nil, fmt.Errorf("filestore: entry %s exceeds %d bytes", entry.Name, maxFileSize)
		}

		files = append(files, ArchiveFile{
			Name:    name,
			Content: content,
			Size:    int64(len(content)),
		})
	}
	return files, nil
}

// cleanEntryName normalizes an archive entry name and rejects path traversal.
func cleanEntryName(name string) (string, error) {
	name = filepath.ToSlash(name)
	cleaned := filepath.Clean(name)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("filestore: entry %q escapes archive root", name)
	}
	return cleaned, nil
}

// WriteFiles materializes extracted archive files under dir, creating any
// intermediate directories.
func WriteFiles(dir string, files []ArchiveFile) error {
	for _, f := range files {
		dest := filepath.Join(dir, f.Name)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("filestore: create dir for %s: %w", f.Name, err)
		}
		if err := os.WriteFile(dest, f.Content, 0o644); err != nil {
			return fmt.Errorf("filestore: write %s: %w", f.Name, err)
		}
	}
	return nil
}
