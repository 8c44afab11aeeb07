package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileStore is a [Store] backed by a flat YAML mapping of keys to values.
// Changes are held in memory until [FileStore.Save].
type FileStore struct {
	*MemStore
	path string
}

var _ Store = (*FileStore)(nil)

// OpenFile loads the registry at path. A missing file yields an empty store
// that is created on the first Save.
func OpenFile(path string) (*FileStore, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &FileStore{MemStore: NewMemStore(nil), path: path}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: read %q: %w", path, err)
	}

	seed := map[string]string{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &seed); err != nil {
			return nil, fmt.Errorf("registry: parse %q: %w", path, err)
		}
	}
	return &FileStore{MemStore: NewMemStore(seed), path: path}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Save writes every entry to the backing file, replacing it atomically.
func (s *FileStore) Save(context.Context) error {
	data, err := yaml.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("registry: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".registry-*")
	if err != nil {
		return fmt.Errorf("registry: save %q: %w", s.path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: save %q: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: save %q: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("registry: save %q: %w", s.path, err)
	}
	return nil
}
