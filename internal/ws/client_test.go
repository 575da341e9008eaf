package ws

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatsync/internal/auth"
	"chatsync/internal/models"
	"chatsync/internal/storage"
	"chatsync/internal/syncer"

	"github.com/stretchr/testify/require"
)

type relay struct {
	url   string
	auth  *auth.AuthService
	store *storage.BboltStorage
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte("relay-secret")),
		TokenExpiry: time.Hour,
	})
	require.NoError(t, err)

	store := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(NewServer(authService, store, nil).HandleConnections))
	t.Cleanup(srv.Close)

	return &relay{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		auth:  authService,
		store: store,
	}
}

func (r *relay) dial(t *testing.T, uid string) *Client {
	t.Helper()
	session, err := r.auth.Issue(uid)
	require.NoError(t, err)
	c, err := Dial(context.Background(), r.url, session.Token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialUnauthorized(t *testing.T) {
	r := newRelay(t)
	_, err := Dial(context.Background(), r.url, "bogus", nil)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRelay(t)
	alice := r.dial(t, "alice")

	require.NoError(t, alice.UpsertUser(ctx, models.User{UID: "alice", DisplayName: "Alice"}))
	u, err := alice.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", u.DisplayName)

	_, err = alice.GetUser(ctx, "nobody")
	require.ErrorIs(t, err, models.ErrNotFound)

	chat, err := alice.CreateChat(ctx, models.Chat{IsGroup: true, GroupName: "g", Members: []string{"alice", "bob"}})
	require.NoError(t, err)

	msg, err := alice.AddMessage(ctx, models.Message{ChatID: chat.ID, Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, "alice", msg.SenderID)
	require.Equal(t, models.MessageStatusConfirmed, msg.Status)

	edited, err := alice.EditMessage(ctx, chat.ID, msg.ID, "hello")
	require.NoError(t, err)
	require.NotZero(t, edited.EditedAt)

	require.NoError(t, alice.AppendSeen(ctx, chat.ID, msg.ID, models.SeenEntry{UID: "alice"}))
	require.NoError(t, alice.AppendSeen(ctx, chat.ID, msg.ID, models.SeenEntry{UID: "alice"}))
	msgs, err := alice.ListMessages(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].SeenBy, 1)

	name := "renamed"
	updated, err := alice.UpdateChat(ctx, chat.ID, models.ChatPatch{GroupName: &name})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.GroupName)

	_, err = alice.UpdateCall(ctx, "missing", models.CallUpdate{Status: models.CallStatusEnded})
	require.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, alice.DeleteMessage(ctx, chat.ID, msg.ID))
	require.NoError(t, alice.DeleteChat(ctx, chat.ID))
	_, err = alice.GetChat(ctx, chat.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestClientSubscriptionThroughSyncer(t *testing.T) {
	ctx := context.Background()
	r := newRelay(t)
	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")

	chat, err := alice.CreateChat(ctx, models.Chat{Members: []string{"alice", "bob"}})
	require.NoError(t, err)

	stream, err := syncer.New(bob, nil).SubscribeMessages(ctx, chat.ID)
	require.NoError(t, err)
	defer stream.Close()

	_, err = alice.AddMessage(ctx, models.Message{ChatID: chat.ID, Content: "hi"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case ev := <-stream.Events():
			return ev.Err == nil && len(ev.Snapshot) == 1 && ev.Snapshot[0].Content == "hi"
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
}

func TestClientDisconnect(t *testing.T) {
	ctx := context.Background()
	r := newRelay(t)
	c := r.dial(t, "alice")

	sub, err := c.Subscribe(ctx, storage.Query{Collection: storage.CollectionStatuses})
	require.NoError(t, err)
	defer sub.Close()

	// Initial materialization.
	select {
	case b := <-sub.Batches():
		require.NoError(t, b.Err)
	case <-time.After(3 * time.Second):
		t.Fatal("no initial batch")
	}

	require.NoError(t, c.Close())

	var last storage.Batch
	for b := range sub.Batches() {
		last = b
	}
	require.ErrorIs(t, last.Err, ErrDisconnected)

	_, err = c.ListChats(ctx)
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestClientSubscriptionClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := newRelay(t)
	c := r.dial(t, "alice")

	sub, err := c.Subscribe(ctx, storage.Query{Collection: storage.CollectionChats})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Batches():
			return !ok
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)
	sub.Close()

	_, err = c.Subscribe(context.Background(), storage.Query{Collection: "bogus"})
	require.Error(t, err)
}
