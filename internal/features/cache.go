package features

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/valyala/gozstd"
)

// ErrCacheMiss is returned when no cached block exists for a key.
var ErrCacheMiss = errors.New("features: cache miss")

// Cache stores feature blocks as zstd compressed gob files.
type Cache struct {
	// Path maps a key to a file name.
	Path func(key string) string
}

// NewCache returns a cache whose files are named by path.
func NewCache(path func(key string) string) *Cache {
	return &Cache{Path: path}
}

// Load reads a block, or returns ErrCacheMiss.
func (c *Cache) Load(key string) (*Block, error) {
	f, err := os.Open(c.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr := gozstd.NewReader(f)
	defer zr.Release()

	var b Block
	if err := gob.NewDecoder(zr).Decode(&b); err != nil {
		log.Warnf("features: cache %s unreadable (%s), ignoring", filepath.Base(c.Path(key)), err)
		return nil, ErrCacheMiss
	}
	log.Debugf("features: cache hit %s (%d sequences)", key, b.Len())
	return &b, nil
}

// Save writes a block atomically.
func (c *Cache) Save(key string, b *Block) error {
	path := c.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("features: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".features-*")
	if err != nil {
		return fmt.Errorf("features: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := gozstd.NewWriter(tmp)
	if err := gob.NewEncoder(zw).Encode(b); err != nil {
		zw.Release()
		tmp.Close()
		return fmt.Errorf("features: encode %s: %w", key, err)
	}
	if err := zw.Close(); err != nil {
		zw.Release()
		tmp.Close()
		return fmt.Errorf("features: compress %s: %w", key, err)
	}
	zw.Release()

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Remove deletes the cached block of a key.
func (c *Cache) Remove(key string) error {
	err := os.Remove(c.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
