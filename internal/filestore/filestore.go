package filestore

import (
	"context"
	"io"
)

// FileStore stores and retrieves blobs by their content hash.
type FileStore interface {
	// Save is idempotent: saving an existing hash is a no-op.
	Save(r io.Reader, hash string) error
	Get(hash string) (io.ReadCloser, error)
	Remove(hash string) error
}

// Media uploads attachment bytes and returns a URL the bytes can be fetched from.
type Media interface {
	Upload(ctx context.Context, data []byte, path string) (string, error)
}
