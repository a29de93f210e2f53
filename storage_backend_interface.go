package statehistory

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// StorageBackend is an object store for archived state histories. Keys are
// slash separated; a missing key is reported with an error matching
// os.ErrNotExist.
type StorageBackend interface {
	// Read returns the object stored under key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores data under key, replacing any previous object.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

var (
	_ StorageBackend = (*FileBackend)(nil)
	_ StorageBackend = (*S3Backend)(nil)
	_ StorageBackend = (*MemoryBackend)(nil)
)

// NewStorageBackend opens the object store selected by cfg.
func NewStorageBackend(cfg ArchiveConfig) (StorageBackend, error) {
	switch {
	case cfg.Dir != "" && cfg.S3 != nil:
		return nil, errors.New("archive: dir and s3 are mutually exclusive")
	case cfg.Dir != "":
		return NewFileBackend(cfg.Dir)
	case cfg.S3 != nil:
		return NewS3Backend(*cfg.S3)
	default:
		return nil, errors.New("archive: one of dir or s3 is required")
	}
}

func notFound(key string) error {
	return fmt.Errorf("object %q: %w", key, os.ErrNotExist)
}
