package filestore

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrEmptyUpload     = errors.New("empty upload")
	ErrTooLarge        = errors.New("upload exceeds size limit")
	ErrUnsupportedType = errors.New("unsupported media type")
)

const DefaultMaxSize = 16 << 20

type metadataStore interface {
	UpsertFileMetadata(meta storage.FileMetadata) error
	GetFileMetadata(id string) (storage.FileMetadata, error)
	DeleteFileMetadata(id string) (storage.FileMetadata, bool, error)
}

// MediaStore accepts image, video and audio uploads, stores them content-addressed
// and serves them under baseURL/media/{id}.
type MediaStore struct {
	files   FileStore
	meta    metadataStore
	baseURL string
	maxSize int
	now     func() time.Time
}

func NewMediaStore(files FileStore, meta metadataStore, baseURL string, maxSize int) *MediaStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &MediaStore{
		files:   files,
		meta:    meta,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// DetectMIME sniffs data and returns its MIME type if it is an image, video or audio file.
func DetectMIME(data []byte) (string, error) {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return "", ErrUnsupportedType
	}
	if !filetype.IsImage(data) && !filetype.IsVideo(data) && !filetype.IsAudio(data) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, kind.MIME.Value)
	}
	return kind.MIME.Value, nil
}

func (m *MediaStore) Upload(ctx context.Context, data []byte, name string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}
	if len(data) > m.maxSize {
		return "", ErrTooLarge
	}
	mimeType, err := DetectMIME(data)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sum := blake2b.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if err := m.files.Save(bytes.NewReader(data), hash); err != nil {
		return "", fmt.Errorf("failed to save media: %w", err)
	}

	meta := storage.FileMetadata{
		ID:        uuid.NewString(),
		Hash:      hash,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		CreatedAt: m.now().UnixMilli(),
		Path:      name,
		Name:      path.Base(name),
	}
	if err := m.meta.UpsertFileMetadata(meta); err != nil {
		return "", fmt.Errorf("failed to store media metadata: %w", err)
	}
	return m.baseURL + "/media/" + meta.ID, nil
}

// Open returns the metadata and content of an uploaded media object.
func (m *MediaStore) Open(id string) (storage.FileMetadata, io.ReadCloser, error) {
	meta, err := m.meta.GetFileMetadata(id)
	if err != nil {
		return storage.FileMetadata{}, nil, err
	}
	rc, err := m.files.Get(meta.Hash)
	if err != nil {
		return storage.FileMetadata{}, nil, err
	}
	return meta, rc, nil
}

// Delete removes an uploaded media object. The blob goes too unless another
// upload with the same content still uses it. Deleting a missing id is a no-op.
func (m *MediaStore) Delete(id string) error {
	meta, shared, err := m.meta.DeleteFileMetadata(id)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if shared {
		return nil
	}
	return m.files.Remove(meta.Hash)
}

// DeleteURL deletes the media object url points at. URLs not served by this
// store are ignored.
func (m *MediaStore) DeleteURL(_ context.Context, url string) error {
	id, ok := strings.CutPrefix(url, m.baseURL+"/media/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return nil
	}
	return m.Delete(id)
}
