package syncer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"chatsync/internal/models"
	"chatsync/internal/storage"
)

// ErrClosed is reported when the store ends a subscription without saying why.
var ErrClosed = errors.New("subscription closed by store")

// Event carries either a full snapshot or the error that ended the stream.
type Event[T any] struct {
	Snapshot T
	Err      error
}

// Stream delivers typed snapshots of one query. Only the latest unread
// snapshot is kept; a reader that falls behind skips intermediate ones.
type Stream[T any] struct {
	events chan Event[T]
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *Stream[T]) Events() <-chan Event[T] {
	return s.events
}

// Close releases the remote subscription and waits for the stream to wind down.
// Closing twice is a no-op.
func (s *Stream[T]) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// CallSnapshot is the state of a single call record. Exists is false while
// the record is absent.
type CallSnapshot struct {
	Call   models.CallSession
	Exists bool
}

// Syncer turns raw store subscriptions into typed, validated snapshot streams.
type Syncer struct {
	store storage.Store
	log   *slog.Logger
}

func New(store storage.Store, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: store, log: logger.With("component", "syncer")}
}

func open[T any](ctx context.Context, store storage.Store, q storage.Query, decode func([]storage.Document) T) (*Stream[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	sub, err := store.Subscribe(ctx, q)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}

	s := &Stream[T]{
		events: make(chan Event[T], 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.events)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case batch, ok := <-sub.Batches():
				if !ok {
					if ctx.Err() == nil {
						storage.SendLatest(s.events, Event[T]{Err: ErrClosed})
					}
					return
				}
				if batch.Err != nil {
					storage.SendLatest(s.events, Event[T]{Err: batch.Err})
					return
				}
				storage.SendLatest(s.events, Event[T]{Snapshot: decode(batch.Docs)})
			}
		}
	}()

	return s, nil
}

// SubscribeChats streams the chats uid is a member of. Membership is filtered here,
// the store query returns every chat.
func (s *Syncer) SubscribeChats(ctx context.Context, uid string) (*Stream[[]models.Chat], error) {
	return open(ctx, s.store, storage.Query{Collection: storage.CollectionChats}, func(docs []storage.Document) []models.Chat {
		chats := make([]models.Chat, 0, len(docs))
		for _, doc := range docs {
			chat, err := storage.DecodeChat(doc)
			if err == nil {
				err = chat.Validate()
			}
			if err != nil {
				s.log.Warn("dropping invalid chat", "id", doc.ID, "error", err)
				continue
			}
			if chat.HasMember(uid) {
				chats = append(chats, chat)
			}
		}
		return chats
	})
}

// SubscribeMessages streams a chat's messages ordered by timestamp, ties broken by id.
func (s *Syncer) SubscribeMessages(ctx context.Context, chatID string) (*Stream[[]models.Message], error) {
	q := storage.Query{Collection: storage.CollectionMessages, ChatID: chatID}
	return open(ctx, s.store, q, func(docs []storage.Document) []models.Message {
		msgs := make([]models.Message, 0, len(docs))
		for _, doc := range docs {
			msg, err := storage.DecodeMessage(doc)
			if err == nil {
				err = validateMessage(msg, chatID)
			}
			if err != nil {
				s.log.Warn("dropping invalid message", "chat_id", chatID, "id", doc.ID, "error", err)
				continue
			}
			msgs = append(msgs, msg)
		}
		storage.SortMessages(msgs)
		return msgs
	})
}

func validateMessage(m models.Message, chatID string) error {
	switch {
	case m.ID == "":
		return errors.New("missing id")
	case m.ChatID != chatID:
		return fmt.Errorf("belongs to chat %q", m.ChatID)
	case m.SenderID == "":
		return errors.New("missing sender")
	}
	return nil
}

// SubscribeCall streams a single call session.
func (s *Syncer) SubscribeCall(ctx context.Context, callID string) (*Stream[CallSnapshot], error) {
	q := storage.Query{Collection: storage.CollectionCalls, DocID: callID}
	return open(ctx, s.store, q, func(docs []storage.Document) CallSnapshot {
		for _, doc := range docs {
			call, err := storage.DecodeCall(doc)
			if err != nil {
				s.log.Warn("dropping invalid call", "id", doc.ID, "error", err)
				continue
			}
			if call.ID == callID {
				return CallSnapshot{Call: call, Exists: true}
			}
		}
		return CallSnapshot{}
	})
}

// SubscribeIncomingCalls streams ringing calls addressed to uid, oldest first.
func (s *Syncer) SubscribeIncomingCalls(ctx context.Context, uid string) (*Stream[[]models.CallSession], error) {
	return open(ctx, s.store, storage.Query{Collection: storage.CollectionCalls}, func(docs []storage.Document) []models.CallSession {
		var calls []models.CallSession
		for _, doc := range docs {
			call, err := storage.DecodeCall(doc)
			if err != nil {
				s.log.Warn("dropping invalid call", "id", doc.ID, "error", err)
				continue
			}
			if call.CalleeID == uid && call.Status == models.CallStatusRinging {
				calls = append(calls, call)
			}
		}
		slices.SortFunc(calls, func(a, b models.CallSession) int {
			return cmp.Or(cmp.Compare(a.CreatedAt, b.CreatedAt), strings.Compare(a.ID, b.ID))
		})
		return calls
	})
}

// SubscribeStatuses streams every status post, most recent first.
func (s *Syncer) SubscribeStatuses(ctx context.Context) (*Stream[[]models.Status], error) {
	return open(ctx, s.store, storage.Query{Collection: storage.CollectionStatuses}, func(docs []storage.Document) []models.Status {
		statuses := make([]models.Status, 0, len(docs))
		for _, doc := range docs {
			status, err := storage.DecodeStatus(doc)
			if err != nil {
				s.log.Warn("dropping invalid status", "id", doc.ID, "error", err)
				continue
			}
			statuses = append(statuses, status)
		}
		slices.SortFunc(statuses, func(a, b models.Status) int {
			return cmp.Or(cmp.Compare(b.CreatedAt, a.CreatedAt), strings.Compare(a.ID, b.ID))
		})
		return statuses
	})
}
