package janitor

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/storage"

	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1_700_000_000_000)

// memStore is a minimal in-memory Store with explicit timestamps.
type memStore struct {
	mu        sync.Mutex
	chats     map[string]models.Chat
	messages  map[string][]models.Message
	deleteErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		chats:     make(map[string]models.Chat),
		messages:  make(map[string][]models.Message),
		deleteErr: make(map[string]error),
	}
}

func (m *memStore) ListChats(context.Context) ([]models.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chats := make([]models.Chat, 0, len(m.chats))
	for _, c := range m.chats {
		chats = append(chats, c)
	}
	return chats, nil
}

func (m *memStore) ListMessages(_ context.Context, chatID string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.messages[chatID]), nil
}

func (m *memStore) DeleteMessage(_ context.Context, chatID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteErr[id]; err != nil {
		return err
	}
	m.messages[chatID] = slices.DeleteFunc(m.messages[chatID], func(msg models.Message) bool { return msg.ID == id })
	return nil
}

func (m *memStore) DeleteChat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteErr[id]; err != nil {
		return err
	}
	delete(m.chats, id)
	delete(m.messages, id)
	return nil
}

func (m *memStore) ids(chatID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, msg := range m.messages[chatID] {
		ids = append(ids, msg.ID)
	}
	return ids
}

func (m *memStore) add(chat models.Chat, msgs ...models.Message) {
	m.chats[chat.ID] = chat
	for _, msg := range msgs {
		msg.ChatID = chat.ID
		m.messages[chat.ID] = append(m.messages[chat.ID], msg)
	}
}

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func TestSweepExpiredGroups(t *testing.T) {
	ctx := context.Background()
	now := epoch.UnixMilli()

	store := newMemStore()
	store.add(models.Chat{ID: "expired", IsGroup: true, Members: []string{"a", "b"}, ExpiresAt: now - 1000},
		models.Message{ID: "m1"}, models.Message{ID: "m2"})
	store.add(models.Chat{ID: "boundary", IsGroup: true, Members: []string{"a", "b"}, ExpiresAt: now},
		models.Message{ID: "m3"})
	store.add(models.Chat{ID: "future", IsGroup: true, Members: []string{"a", "b"}, ExpiresAt: now + 1000})
	store.add(models.Chat{ID: "forever", IsGroup: true, Members: []string{"a", "b"}})
	store.add(models.Chat{ID: "direct", Members: []string{"a", "b"}, ExpiresAt: now - 1000},
		models.Message{ID: "m4"})

	j := New(store, fixedClock(epoch))

	report, err := j.SweepExpiredGroups(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Chats: 1, Messages: 2}, report)

	chats, _ := store.ListChats(ctx)
	var ids []string
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	require.ElementsMatch(t, []string{"boundary", "future", "forever", "direct"}, ids)
	require.Empty(t, store.ids("expired"))
	require.Equal(t, []string{"m4"}, store.ids("direct"))

	t.Run("Idempotent", func(t *testing.T) {
		report, err := j.SweepExpiredGroups(ctx)
		require.NoError(t, err)
		require.Equal(t, Report{}, report)
		after, _ := store.ListChats(ctx)
		require.Len(t, after, 4)
	})
}

func TestSweepExpiredGroupsKeepsChatWhenMessagesRemain(t *testing.T) {
	ctx := context.Background()
	now := epoch.UnixMilli()

	store := newMemStore()
	store.add(models.Chat{ID: "g1", IsGroup: true, Members: []string{"a", "b"}, ExpiresAt: now - 1},
		models.Message{ID: "m1"}, models.Message{ID: "stuck"})
	store.add(models.Chat{ID: "g2", IsGroup: true, Members: []string{"a", "b"}, ExpiresAt: now - 1},
		models.Message{ID: "m2"})
	boom := errors.New("permission denied")
	store.deleteErr["stuck"] = boom

	j := New(store, fixedClock(epoch))
	report, err := j.SweepExpiredGroups(ctx)
	require.ErrorIs(t, err, boom)
	require.Equal(t, Report{Chats: 1, Messages: 2}, report)

	chats, _ := store.ListChats(ctx)
	require.Len(t, chats, 1)
	require.Equal(t, "g1", chats[0].ID)
	require.Equal(t, []string{"stuck"}, store.ids("g1"))

	// A later run finishes the job once the store cooperates.
	delete(store.deleteErr, "stuck")
	report, err = j.SweepExpiredGroups(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Chats: 1, Messages: 1}, report)
}

func TestSweepDisappearingMessages(t *testing.T) {
	ctx := context.Background()
	now := epoch.UnixMilli()
	hour := time.Hour.Milliseconds()

	store := newMemStore()
	store.add(models.Chat{ID: "ephemeral", Members: []string{"a", "b"}, DisappearingDuration: hour},
		models.Message{ID: "old", Timestamp: now - hour - 1},
		models.Message{ID: "edge", Timestamp: now - hour},
		models.Message{ID: "fresh", Timestamp: now - 10},
	)
	store.add(models.Chat{ID: "durable", Members: []string{"a", "b"}},
		models.Message{ID: "ancient", Timestamp: 0},
	)

	j := New(store, fixedClock(epoch))

	report, err := j.SweepDisappearingMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Messages: 1}, report)
	require.Equal(t, []string{"edge", "fresh"}, store.ids("ephemeral"))
	require.Equal(t, []string{"ancient"}, store.ids("durable"))

	t.Run("Idempotent", func(t *testing.T) {
		report, err := j.SweepDisappearingMessages(ctx)
		require.NoError(t, err)
		require.Equal(t, Report{}, report)
		require.Equal(t, []string{"edge", "fresh"}, store.ids("ephemeral"))
	})
}

func TestExpiredGroupScenario(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "janitor.db"))
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	now := time.Now()
	group, err := store.CreateChat(ctx, models.Chat{
		IsGroup:   true,
		GroupName: "pop-up",
		Members:   []string{"alice", "bob"},
		ExpiresAt: now.UnixMilli() - 1000,
	})
	require.NoError(t, err)
	keep, err := store.CreateChat(ctx, models.Chat{
		Members:              []string{"alice", "bob"},
		DisappearingDuration: time.Minute.Milliseconds(),
	})
	require.NoError(t, err)
	for _, text := range []string{"one", "two"} {
		_, err := store.AddMessage(ctx, models.Message{ChatID: group.ID, SenderID: "alice", Content: text})
		require.NoError(t, err)
	}
	_, err = store.AddMessage(ctx, models.Message{ChatID: keep.ID, SenderID: "bob", Content: "later"})
	require.NoError(t, err)

	j := New(store, fixedClock(now))
	report, err := j.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Chats: 1, Messages: 2}, report)

	_, err = store.GetChat(ctx, group.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
	msgs, err := store.ListMessages(ctx, group.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)

	// Two minutes on, the direct chat's message has disappeared but the chat stays.
	j = New(store, fixedClock(now.Add(2*time.Minute)))
	report, err = j.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Messages: 1}, report)
	_, err = store.GetChat(ctx, keep.ID)
	require.NoError(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	store := newMemStore()
	store.add(models.Chat{ID: "g", IsGroup: true, Members: []string{"a", "b"}, ExpiresAt: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(store, fixedClock(epoch)).Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		chats, _ := store.ListChats(ctx)
		return len(chats) == 0
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type mediaRecorder struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (r *mediaRecorder) DeleteURL(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, url)
	return r.err
}

func TestSweepsDeleteAttachments(t *testing.T) {
	ctx := context.Background()
	now := epoch.UnixMilli()
	hour := time.Hour.Milliseconds()

	store := newMemStore()
	store.add(models.Chat{ID: "expired", IsGroup: true, Members: []string{"a", "b"}, ExpiresAt: now - 1},
		models.Message{ID: "pic", ImageURL: "http://relay.test/media/1"},
		models.Message{ID: "text", Content: "bye"})
	store.add(models.Chat{ID: "ephemeral", Members: []string{"a", "b"}, DisappearingDuration: hour},
		models.Message{ID: "old", Timestamp: now - 2*hour, ImageURL: "http://relay.test/media/2"},
		models.Message{ID: "stuck", Timestamp: now - 2*hour, ImageURL: "http://relay.test/media/3"},
		models.Message{ID: "fresh", Timestamp: now, ImageURL: "http://relay.test/media/4"})
	store.deleteErr["stuck"] = errors.New("permission denied")

	media := &mediaRecorder{err: errors.New("disk busy")}
	report, err := New(store, fixedClock(epoch), WithMedia(media)).Sweep(ctx)
	require.Error(t, err)
	require.Equal(t, Report{Chats: 1, Messages: 3}, report)

	// Media failures are logged, never counted against the sweep.
	require.ElementsMatch(t, []string{"http://relay.test/media/1", "http://relay.test/media/2"}, media.deleted)
	require.Equal(t, []string{"stuck", "fresh"}, store.ids("ephemeral"))
}
