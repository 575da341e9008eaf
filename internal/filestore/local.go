package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalFileStore keeps blobs on disk, sharded by the first two hash characters.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) blobPath(hash string) (string, error) {
	if hash == "" || hash != filepath.Base(hash) {
		return "", fmt.Errorf("invalid hash %q", hash)
	}
	if len(hash) < 2 {
		return filepath.Join(s.root, hash), nil
	}
	return filepath.Join(s.root, hash[:2], hash), nil
}

func (s *LocalFileStore) Save(r io.Reader, hash string) error {
	path, err := s.blobPath(hash)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write aside and rename so readers never see a partial blob.
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func (s *LocalFileStore) Get(hash string) (io.ReadCloser, error) {
	path, err := s.blobPath(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob %s: %w", hash, err)
	}
	return f, nil
}

// Remove deletes a blob. Removing a missing blob is not an error.
func (s *LocalFileStore) Remove(hash string) error {
	path, err := s.blobPath(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove blob %s: %w", hash, err)
	}
	return nil
}
