package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// stepClock returns a clock that advances one millisecond per call.
func stepClock(start time.Time) func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)
	store.now = stepClock(time.UnixMilli(1_700_000_000_000))

	t.Run("Users", func(t *testing.T) {
		for _, u := range []models.User{
			{UID: "alice", DisplayName: "Alice Liddell", Email: "alice@example.com"},
			{UID: "bob", DisplayName: "Bob", Email: "bob@example.com"},
		} {
			if err := store.UpsertUser(ctx, u); err != nil {
				t.Fatalf("UpsertUser failed: %v", err)
			}
		}

		user, err := store.GetUser(ctx, "alice")
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if user.DisplayName != "Alice Liddell" {
			t.Errorf("expected display name Alice Liddell, got %s", user.DisplayName)
		}

		found, err := store.SearchUsers(ctx, "LIDD")
		if err != nil {
			t.Fatalf("SearchUsers failed: %v", err)
		}
		if len(found) != 1 || found[0].UID != "alice" {
			t.Errorf("expected to find alice, got %v", found)
		}

		if _, err := store.GetUser(ctx, "nobody"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Chat", func(t *testing.T) {
		if _, err := store.CreateChat(ctx, models.Chat{Members: []string{"alice"}}); !errors.Is(err, models.ErrInvalidChat) {
			t.Fatalf("expected ErrInvalidChat for one-member direct chat, got %v", err)
		}

		chat, err := store.CreateChat(ctx, models.Chat{Members: []string{"alice", "bob"}})
		if err != nil {
			t.Fatalf("CreateChat failed: %v", err)
		}
		if chat.ID == "" || chat.CreatedAt == 0 {
			t.Fatalf("expected id and createdAt to be assigned, got %+v", chat)
		}

		name := "renamed"
		if _, err := store.UpdateChat(ctx, chat.ID, models.ChatPatch{GroupName: &name}); err != nil {
			t.Fatalf("UpdateChat failed: %v", err)
		}
		got, err := store.GetChat(ctx, chat.ID)
		if err != nil {
			t.Fatalf("GetChat failed: %v", err)
		}
		if got.GroupName != name {
			t.Errorf("expected group name %s, got %s", name, got.GroupName)
		}

		expires := int64(1)
		if _, err := store.UpdateChat(ctx, chat.ID, models.ChatPatch{ExpiresAt: &expires}); !errors.Is(err, models.ErrInvalidChat) {
			t.Errorf("expected direct chat expiry to be rejected, got %v", err)
		}
		if err := store.AddMember(ctx, chat.ID, "carol"); !errors.Is(err, models.ErrNotGroup) {
			t.Errorf("expected ErrNotGroup, got %v", err)
		}
	})

	t.Run("Membership", func(t *testing.T) {
		group, err := store.CreateChat(ctx, models.Chat{Members: []string{"alice", "bob"}, IsGroup: true, GroupName: "g"})
		if err != nil {
			t.Fatalf("CreateChat failed: %v", err)
		}

		if err := store.AddMember(ctx, group.ID, "carol"); err != nil {
			t.Fatalf("AddMember failed: %v", err)
		}
		if err := store.AddMember(ctx, group.ID, "carol"); err != nil {
			t.Fatalf("AddMember twice failed: %v", err)
		}
		got, _ := store.GetChat(ctx, group.ID)
		if len(got.Members) != 3 {
			t.Fatalf("expected 3 members, got %v", got.Members)
		}

		for _, uid := range []string{"alice", "bob", "carol"} {
			if err := store.RemoveMember(ctx, group.ID, uid); err != nil {
				t.Fatalf("RemoveMember %s failed: %v", uid, err)
			}
		}
		if _, err := store.GetChat(ctx, group.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected group to be gone after the last member left, got %v", err)
		}
	})

	t.Run("Messages", func(t *testing.T) {
		chat, err := store.CreateChat(ctx, models.Chat{Members: []string{"alice", "bob"}})
		if err != nil {
			t.Fatal(err)
		}

		if _, err := store.AddMessage(ctx, models.Message{ChatID: chat.ID, SenderID: "mallory", Content: "x"}); !errors.Is(err, models.ErrNotMember) {
			t.Fatalf("expected ErrNotMember, got %v", err)
		}

		first, err := store.AddMessage(ctx, models.Message{ChatID: chat.ID, SenderID: "alice", Content: "hello"})
		if err != nil {
			t.Fatalf("AddMessage 1 failed: %v", err)
		}
		if _, err := store.AddMessage(ctx, models.Message{ChatID: chat.ID, SenderID: "bob", Content: "world"}); err != nil {
			t.Fatalf("AddMessage 2 failed: %v", err)
		}

		msgs, err := store.ListMessages(ctx, chat.ID)
		if err != nil {
			t.Fatalf("ListMessages failed: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Content != "hello" {
			t.Errorf("expected first message 'hello', got %s", msgs[0].Content)
		}

		edited, err := store.EditMessage(ctx, chat.ID, first.ID, "hello there")
		if err != nil {
			t.Fatalf("EditMessage failed: %v", err)
		}
		if edited.EditedAt == 0 || edited.Content != "hello there" {
			t.Errorf("expected edited content and editedAt, got %+v", edited)
		}

		for range 3 {
			if err := store.AppendSeen(ctx, chat.ID, first.ID, models.SeenEntry{UID: "bob"}); err != nil {
				t.Fatalf("AppendSeen failed: %v", err)
			}
		}
		got, err := store.GetMessage(ctx, chat.ID, first.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.SeenBy) != 1 || got.SeenBy[0].SeenAt == 0 {
			t.Errorf("expected a single stamped seen entry, got %v", got.SeenBy)
		}

		if err := store.DeleteMessage(ctx, chat.ID, first.ID); err != nil {
			t.Fatalf("DeleteMessage failed: %v", err)
		}
		if err := store.DeleteMessage(ctx, chat.ID, first.ID); err != nil {
			t.Fatalf("DeleteMessage twice failed: %v", err)
		}
		if _, err := store.GetMessage(ctx, chat.ID, first.ID); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		if err := store.DeleteChat(ctx, chat.ID); err != nil {
			t.Fatal(err)
		}
		msgs, err = store.ListMessages(ctx, chat.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 0 {
			t.Errorf("expected messages to be deleted with the chat, got %d", len(msgs))
		}
		if err := store.DeleteChat(ctx, chat.ID); err != nil {
			t.Errorf("DeleteChat twice failed: %v", err)
		}
	})

	t.Run("Calls", func(t *testing.T) {
		offer := models.SessionDescription{Type: "offer", SDP: "v=0"}
		call, err := store.CreateCall(ctx, models.CallSession{CallerID: "alice", CalleeID: "bob", Offer: offer})
		if err != nil {
			t.Fatalf("CreateCall failed: %v", err)
		}
		if call.Status != models.CallStatusRinging || call.Media != models.CallMediaAudio {
			t.Fatalf("expected ringing audio call, got %+v", call)
		}

		_, err = store.UpdateCall(ctx, call.ID, models.CallUpdate{Expect: models.CallStatusInProgress, Status: models.CallStatusEnded})
		if !errors.Is(err, models.ErrStatusConflict) {
			t.Errorf("expected ErrStatusConflict, got %v", err)
		}

		answer := &models.SessionDescription{Type: "answer", SDP: "v=0"}
		call, err = store.UpdateCall(ctx, call.ID, models.CallUpdate{Expect: models.CallStatusRinging, Status: models.CallStatusInProgress, Answer: answer})
		if err != nil {
			t.Fatalf("accept failed: %v", err)
		}
		if call.Answer == nil || call.Status != models.CallStatusInProgress {
			t.Fatalf("expected answered call, got %+v", call)
		}

		if _, err := store.UpdateCall(ctx, call.ID, models.CallUpdate{Expect: models.CallStatusInProgress, Status: models.CallStatusEnded}); err != nil {
			t.Fatalf("end failed: %v", err)
		}
		_, err = store.UpdateCall(ctx, call.ID, models.CallUpdate{Expect: models.CallStatusEnded, Status: models.CallStatusEnded})
		if !errors.Is(err, models.ErrCallEnded) {
			t.Errorf("expected ErrCallEnded, got %v", err)
		}
	})

	t.Run("Statuses", func(t *testing.T) {
		for i := range 3 {
			if _, err := store.AddStatus(ctx, models.Status{UID: "alice", Text: fmt.Sprintf("s%d", i), Type: "text"}); err != nil {
				t.Fatalf("AddStatus failed: %v", err)
			}
		}
		statuses, err := store.ListStatuses(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(statuses) != 3 || statuses[0].Text != "s2" {
			t.Errorf("expected newest status first, got %v", statuses)
		}
	})

	t.Run("PushSubscriptions", func(t *testing.T) {
		subs := []models.PushSubscription{
			{UID: "bob", Endpoint: "https://push.example/1", P256dh: "k", Auth: "a"},
			{UID: "bob", Endpoint: "https://push.example/2", P256dh: "k", Auth: "a"},
			{UID: "bobby", Endpoint: "https://push.example/3", P256dh: "k", Auth: "a"},
		}
		for _, sub := range subs {
			if err := store.UpsertPushSubscription(sub); err != nil {
				t.Fatalf("UpsertPushSubscription failed: %v", err)
			}
		}
		got, err := store.ListPushSubscriptions("bob")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 subscriptions for bob, got %d", len(got))
		}
		if err := store.DeletePushSubscription("bob", "https://push.example/1"); err != nil {
			t.Fatal(err)
		}
		got, _ = store.ListPushSubscriptions("bob")
		if len(got) != 1 {
			t.Errorf("expected 1 subscription after delete, got %d", len(got))
		}
	})

	t.Run("Files", func(t *testing.T) {
		meta := FileMetadata{ID: "f1", Hash: "abcd", MimeType: "image/png", Size: 4, Name: "a.png"}
		if err := store.UpsertFileMetadata(meta); err != nil {
			t.Fatal(err)
		}
		got, err := store.GetFileMetadata("f1")
		if err != nil {
			t.Fatal(err)
		}
		if got != meta {
			t.Errorf("expected %+v, got %+v", meta, got)
		}
		if _, err := store.GetFileMetadata("missing"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func nextBatch(t *testing.T, sub *Subscription) Batch {
	t.Helper()
	select {
	case b, ok := <-sub.Batches():
		if !ok {
			t.Fatal("subscription closed")
		}
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
	}
	return Batch{}
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	store := newTestStorage(t)

	chat, err := store.CreateChat(ctx, models.Chat{Members: []string{"alice", "bob"}})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("InitialAndUpdates", func(t *testing.T) {
		sub, err := store.Subscribe(ctx, Query{Collection: CollectionMessages, ChatID: chat.ID})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer func() {
			sub.Close()
			for range sub.Batches() {
			}
		}()

		if b := nextBatch(t, sub); len(b.Docs) != 0 || b.Err != nil {
			t.Fatalf("expected empty initial batch, got %+v", b)
		}

		if _, err := store.AddMessage(ctx, models.Message{ChatID: chat.ID, SenderID: "alice", Content: "hi"}); err != nil {
			t.Fatal(err)
		}

		b := nextBatch(t, sub)
		if len(b.Docs) != 1 {
			t.Fatalf("expected 1 document, got %d", len(b.Docs))
		}
		msg, err := DecodeMessage(b.Docs[0])
		if err != nil {
			t.Fatal(err)
		}
		if msg.Content != "hi" {
			t.Errorf("expected content hi, got %s", msg.Content)
		}
	})

	t.Run("CloseReleasesWatcher", func(t *testing.T) {
		sub, err := store.Subscribe(ctx, Query{Collection: CollectionChats})
		if err != nil {
			t.Fatal(err)
		}
		nextBatch(t, sub)
		sub.Close()
		sub.Close()

		for range sub.Batches() {
		}
		if n := store.feed.len(); n != 0 {
			t.Errorf("expected no watchers after close, got %d", n)
		}
	})

	t.Run("InvalidQuery", func(t *testing.T) {
		if _, err := store.Subscribe(ctx, Query{Collection: CollectionMessages}); err == nil {
			t.Error("expected messages query without chat id to fail")
		}
	})
}

func TestSendLatest(t *testing.T) {
	ch := make(chan int, 1)
	SendLatest(ch, 1)
	SendLatest(ch, 2)
	if v := <-ch; v != 2 {
		t.Errorf("expected latest value 2, got %d", v)
	}
}
