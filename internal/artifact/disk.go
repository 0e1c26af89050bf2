package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DiskStore keeps artifacts as files below BasePath.
type DiskStore struct {
	// BasePath is a directory that is writable by the current process
	BasePath string

	mu      sync.Mutex
	created bool
}

func NewDiskStore(basePath string) *DiskStore {
	return &DiskStore{BasePath: basePath}
}

func (s *DiskStore) ensureDir() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.created {
		return nil
	}
	if err := os.MkdirAll(s.BasePath, 0o755); err != nil {
		return err
	}
	s.created = true
	return nil
}

func (s *DiskStore) path(name string) string {
	return filepath.Join(s.BasePath, filepath.Base(name))
}

// Put writes to a temporary file and renames it, so readers never see partial weights.
func (s *DiskStore) Put(ctx context.Context, name string, data []byte) error {
	if err := s.ensureDir(); err != nil {
		return fmt.Errorf("artifact: %w", err)
	}

	tmp, err := os.CreateTemp(s.BasePath, ".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: write %s: %w", name, err)
	}
	return os.Rename(tmp.Name(), s.path(name))
}

func (s *DiskStore) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path(name))
	}
	return data, err
}

func (s *DiskStore) Delete(ctx context.Context, name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, s.path(name))
	}
	return err
}

func (s *DiskStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.BasePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
