package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/filestore"
	"chatsync/internal/models"

	"github.com/h2non/filetype"
)

// TypeText marks a status without media.
const TypeText = "text"

type Store interface {
	AddStatus(ctx context.Context, status models.Status) (models.Status, error)
	ListStatuses(ctx context.Context) ([]models.Status, error)
}

// Service posts and lists statuses. Posts are append-only.
type Service struct {
	store Store
	media filestore.Media
	now   func() time.Time
}

func New(store Store, media filestore.Media) *Service {
	return &Service{store: store, media: media, now: time.Now}
}

// Post uploads the attachment, if any, and then appends the status. A failed
// upload writes nothing.
func (s *Service) Post(ctx context.Context, author models.User, media *models.Attachment, text string) (models.Status, error) {
	text = strings.TrimSpace(text)
	hasMedia := media != nil && len(media.Data) > 0
	if text == "" && !hasMedia {
		return models.Status{}, models.ErrEmptyMessage
	}

	st := models.Status{
		UID:         author.UID,
		DisplayName: author.DisplayName,
		PhotoURL:    author.PhotoURL,
		Text:        text,
		Type:        TypeText,
	}
	if hasMedia {
		kind, err := filetype.Match(media.Data)
		if err != nil || kind == filetype.Unknown {
			return models.Status{}, filestore.ErrUnsupportedType
		}
		path := fmt.Sprintf("statuses/%s_%d.%s", author.UID, s.now().UnixMilli(), kind.Extension)
		url, err := s.media.Upload(ctx, media.Data, path)
		if err != nil {
			return models.Status{}, fmt.Errorf("upload status media: %w", err)
		}
		st.MediaURL = url
		st.Type = kind.MIME.Value
	}

	saved, err := s.store.AddStatus(ctx, st)
	if err != nil {
		return models.Status{}, fmt.Errorf("add status: %w", err)
	}
	return saved, nil
}

// List returns every status, most recent first.
func (s *Service) List(ctx context.Context) ([]models.Status, error) {
	return s.store.ListStatuses(ctx)
}
