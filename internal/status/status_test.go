package status

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatsync/internal/filestore"
	"chatsync/internal/models"
	"chatsync/internal/storage"
)

const pngBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

type recordingMedia struct {
	err   error
	paths []string
}

func (m *recordingMedia) Upload(_ context.Context, _ []byte, path string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.paths = append(m.paths, path)
	return "http://media.test/" + path, nil
}

func newService(t *testing.T, media filestore.Media) (*Service, *storage.BboltStorage) {
	t.Helper()
	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "status.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := New(db, media)
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return s, db
}

func TestPost(t *testing.T) {
	ctx := context.Background()
	author := models.User{UID: "alice", DisplayName: "Alice", PhotoURL: "http://img/alice"}
	png, err := base64.StdEncoding.DecodeString(pngBase64)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("Text", func(t *testing.T) {
		s, _ := newService(t, &recordingMedia{})
		st, err := s.Post(ctx, author, nil, "  use Vec<String> here ")
		if err != nil {
			t.Fatalf("Post failed: %v", err)
		}
		if st.Text != "use Vec<String> here" || st.Type != TypeText || st.MediaURL != "" {
			t.Errorf("unexpected status %+v", st)
		}
		if st.ID == "" || st.CreatedAt == 0 {
			t.Error("expected id and creation time to be assigned")
		}
		if st.DisplayName != "Alice" || st.PhotoURL != "http://img/alice" {
			t.Errorf("author not copied: %+v", st)
		}
	})

	t.Run("Media", func(t *testing.T) {
		media := &recordingMedia{}
		s, _ := newService(t, media)
		st, err := s.Post(ctx, author, &models.Attachment{Name: "me.png", Data: png}, "")
		if err != nil {
			t.Fatalf("Post failed: %v", err)
		}
		if st.Type != "image/png" {
			t.Errorf("expected image/png, got %s", st.Type)
		}
		want := "statuses/alice_1700000000000.png"
		if len(media.paths) != 1 || media.paths[0] != want {
			t.Fatalf("expected upload to %s, got %v", want, media.paths)
		}
		if !strings.HasSuffix(st.MediaURL, want) {
			t.Errorf("unexpected media url %s", st.MediaURL)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		s, _ := newService(t, &recordingMedia{})
		if _, err := s.Post(ctx, author, &models.Attachment{}, "   "); !errors.Is(err, models.ErrEmptyMessage) {
			t.Errorf("expected ErrEmptyMessage, got %v", err)
		}
	})

	t.Run("UnknownMedia", func(t *testing.T) {
		media := &recordingMedia{}
		s, _ := newService(t, media)
		_, err := s.Post(ctx, author, &models.Attachment{Data: []byte("plain text")}, "")
		if !errors.Is(err, filestore.ErrUnsupportedType) {
			t.Errorf("expected ErrUnsupportedType, got %v", err)
		}
		if len(media.paths) != 0 {
			t.Error("nothing should be uploaded")
		}
	})

	t.Run("UploadFailureWritesNothing", func(t *testing.T) {
		boom := errors.New("bucket unavailable")
		s, db := newService(t, &recordingMedia{err: boom})
		if _, err := s.Post(ctx, author, &models.Attachment{Data: png}, "caption"); !errors.Is(err, boom) {
			t.Fatalf("expected upload error, got %v", err)
		}
		list, err := db.ListStatuses(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 0 {
			t.Errorf("expected no statuses, got %d", len(list))
		}
	})
}

func TestListMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t, &recordingMedia{})
	author := models.User{UID: "bob", DisplayName: "Bob"}

	for _, text := range []string{"first", "second", "third"} {
		if _, err := s.Post(ctx, author, nil, text); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, st := range list {
		got = append(got, st.Text)
	}
	if strings.Join(got, ",") != "third,second,first" {
		t.Errorf("unexpected order %v", got)
	}
}
