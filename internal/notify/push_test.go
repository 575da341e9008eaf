package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"chatsync/internal/models"
	"chatsync/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"
)

func TestNotifyIncomingCall(t *testing.T) {
	ctx := context.Background()
	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	for _, endpoint := range []string{"https://push.test/live", "https://push.test/gone", "https://push.test/broken"} {
		require.NoError(t, db.UpsertPushSubscription(models.PushSubscription{
			UID: "bob", Endpoint: endpoint, P256dh: "key", Auth: "secret",
		}))
	}
	require.NoError(t, db.UpsertPushSubscription(models.PushSubscription{UID: "carol", Endpoint: "https://push.test/carol"}))

	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	p := NewPusher(db, Config{VAPIDPublicKey: pub, VAPIDPrivateKey: priv, Subscriber: "mailto:ops@chatsync.test"}, nil)

	var delivered []string
	p.send = func(_ context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		require.Equal(t, webpush.UrgencyHigh, opts.Urgency)
		require.Equal(t, pub, opts.VAPIDPublicKey)
		require.Equal(t, "secret", sub.Keys.Auth)

		var payload Payload
		require.NoError(t, json.Unmarshal(message, &payload))
		require.Equal(t, Payload{Kind: "incoming-call", CallID: "call-1", From: "alice", Media: "video"}, payload)

		delivered = append(delivered, sub.Endpoint)
		status := http.StatusCreated
		switch {
		case strings.HasSuffix(sub.Endpoint, "/gone"):
			status = http.StatusGone
		case strings.HasSuffix(sub.Endpoint, "/broken"):
			status = http.StatusBadRequest
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	err = p.NotifyIncomingCall(ctx, models.CallSession{ID: "call-1", CallerID: "alice", CalleeID: "bob", Media: models.CallMediaVideo})
	require.ErrorContains(t, err, "status 400")
	require.Len(t, delivered, 3)

	left, err := db.ListPushSubscriptions("bob")
	require.NoError(t, err)
	var endpoints []string
	for _, s := range left {
		endpoints = append(endpoints, s.Endpoint)
	}
	require.ElementsMatch(t, []string{"https://push.test/live", "https://push.test/broken"}, endpoints)
}

func TestNotifyWithoutSubscriptions(t *testing.T) {
	db, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	p := NewPusher(db, Config{}, nil)
	p.send = func(context.Context, []byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		t.Fatal("nothing to send to")
		return nil, nil
	}
	require.NoError(t, p.NotifyIncomingCall(context.Background(), models.CallSession{ID: "c", CalleeID: "nobody"}))
}
