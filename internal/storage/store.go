package storage

import (
	"context"
	"fmt"
	"sync"

	"chatsync/internal/models"
)

type Collection string

const (
	CollectionChats    Collection = "chats"
	CollectionMessages Collection = "messages"
	CollectionCalls    Collection = "calls"
	CollectionStatuses Collection = "statuses"
)

// Query selects the documents a subscription materializes.
// Messages are scoped to ChatID; DocID narrows a query to a single document.
type Query struct {
	Collection Collection `json:"collection"`
	ChatID     string     `json:"chatId,omitempty"`
	DocID      string     `json:"docId,omitempty"`
}

func (q Query) Validate() error {
	switch q.Collection {
	case CollectionChats, CollectionCalls, CollectionStatuses:
	case CollectionMessages:
		if q.ChatID == "" {
			return fmt.Errorf("messages query requires chat id")
		}
	default:
		return fmt.Errorf("unknown collection %q", q.Collection)
	}
	return nil
}

func (q Query) matches(coll Collection, chatID, docID string) bool {
	if q.Collection != coll {
		return false
	}
	if q.ChatID != "" && q.ChatID != chatID {
		return false
	}
	return q.DocID == "" || docID == "" || q.DocID == docID
}

// Document is a raw stored record: a msgpack encoded DB* struct.
type Document struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// Batch is one full materialization of a query, or the error that ended the subscription.
type Batch struct {
	Docs []Document
	Err  error
}

// Subscription delivers batches until it is closed or fails.
// A failed subscription delivers one batch with Err set and then closes its channel.
type Subscription struct {
	batches <-chan Batch
	cancel  context.CancelFunc
	once    sync.Once
}

func NewSubscription(batches <-chan Batch, cancel context.CancelFunc) *Subscription {
	return &Subscription{batches: batches, cancel: cancel}
}

func (s *Subscription) Batches() <-chan Batch {
	return s.batches
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// SendLatest puts v on ch, replacing a value the reader has not taken yet.
// ch must be buffered and v must have a single sender.
func SendLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Store is the document store the chat core runs on.
type Store interface {
	GetUser(ctx context.Context, uid string) (models.User, error)
	UpsertUser(ctx context.Context, user models.User) error
	SearchUsers(ctx context.Context, term string) ([]models.User, error)

	CreateChat(ctx context.Context, chat models.Chat) (models.Chat, error)
	GetChat(ctx context.Context, id string) (models.Chat, error)
	ListChats(ctx context.Context) ([]models.Chat, error)
	UpdateChat(ctx context.Context, id string, patch models.ChatPatch) (models.Chat, error)
	AddMember(ctx context.Context, chatID, uid string) error
	RemoveMember(ctx context.Context, chatID, uid string) error
	DeleteChat(ctx context.Context, id string) error

	AddMessage(ctx context.Context, msg models.Message) (models.Message, error)
	GetMessage(ctx context.Context, chatID, id string) (models.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
	EditMessage(ctx context.Context, chatID, id, content string) (models.Message, error)
	AppendSeen(ctx context.Context, chatID, id string, entry models.SeenEntry) error
	DeleteMessage(ctx context.Context, chatID, id string) error

	CreateCall(ctx context.Context, call models.CallSession) (models.CallSession, error)
	GetCall(ctx context.Context, id string) (models.CallSession, error)
	UpdateCall(ctx context.Context, id string, update models.CallUpdate) (models.CallSession, error)

	AddStatus(ctx context.Context, status models.Status) (models.Status, error)
	ListStatuses(ctx context.Context) ([]models.Status, error)

	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}
