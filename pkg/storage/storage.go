package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrBlobNotFound is returned when a key has no stored object.
var ErrBlobNotFound = errors.New("blob not found")

// BlobInfo describes a stored object.
type BlobInfo struct {
	Size        int64
	ContentType string
	ModTime     time.Time
}

// BlobStore persists uploaded document bytes under opaque keys.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, BlobInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key; absent keys are not an error.
	Delete(ctx context.Context, key string) error
}
