// Package artifact persists trained model weights on disk or in S3.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/andresmejia3/mugfer/internal/config"
	"github.com/andresmejia3/mugfer/internal/event"
)

var log = event.Log

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact: not found")

// Extension is appended to the variant name to form the artifact name.
const Extension = ".model"

// Store is a flat namespace of named blobs.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// FileName returns the artifact name of a variant.
func FileName(variant string) string {
	return variant + Extension
}

// Variant returns the variant of an artifact name, or false for other files.
func Variant(name string) (string, bool) {
	if !strings.HasSuffix(name, Extension) {
		return "", false
	}
	return strings.TrimSuffix(name, Extension), true
}

// Open returns the store selected by the configuration.
func Open(cfg config.ArtifactConfig) (Store, error) {
	switch cfg.Backend {
	case "s3":
		return NewS3Store(cfg)
	case "disk", "":
		return NewDiskStore(cfg.Path), nil
	default:
		return nil, fmt.Errorf("artifact: unknown backend %q", cfg.Backend)
	}
}
