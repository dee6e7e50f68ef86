package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps each snapshot in its own file.
type FileStore struct {
	paths map[string]string
}

// NewFileStore creates a store writing the structural database and the
// property snapshot to the given paths.
func NewFileStore(databasePath, propertiesPath string) *FileStore {
	return &FileStore{paths: map[string]string{
		KeyDatabase:   databasePath,
		KeyProperties: propertiesPath,
	}}
}

func (s *FileStore) path(key string) (string, error) {
	p, ok := s.paths[key]
	if !ok || p == "" {
		return "", fmt.Errorf("no file configured for snapshot %q", key)
	}
	return p, nil
}

func (s *FileStore) Load(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("snapshot %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// Save writes to a temporary file next to the destination and renames it
// into place, so a failed write leaves the previous snapshot intact.
func (s *FileStore) Save(key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
