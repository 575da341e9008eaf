package storage

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"chatsync/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketChats    = []byte("chats")
	bucketMessages = []byte("messages")
	bucketCalls    = []byte("calls")
	bucketStatuses = []byte("statuses")
	bucketPush     = []byte("push_subscriptions")
	bucketFiles    = []byte("files")
)

type BboltStorage struct {
	db    *bbolt.DB
	feed  *feed
	now   func() time.Time
	newID func() string
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketChats, bucketMessages, bucketCalls, bucketStatuses, bucketPush, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{
		db:    db,
		feed:  newFeed(),
		now:   time.Now,
		newID: uuid.NewString,
	}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func get(b *bbolt.Bucket, key []byte, v Storeable) error {
	data := b.Get(key)
	if data == nil {
		return models.ErrNotFound
	}
	return v.UnmarshalBinary(data)
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// UpsertUser stores or replaces a user reference.
func (s *BboltStorage) UpsertUser(_ context.Context, user models.User) error {
	if user.UID == "" {
		return errors.New("user missing uid")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketUsers), &DBUser{
			UID:         user.UID,
			DisplayName: user.DisplayName,
			PhotoURL:    user.PhotoURL,
			Email:       user.Email,
		})
	})
}

func (s *BboltStorage) GetUser(_ context.Context, uid string) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketUsers), []byte(uid), &dbUser)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("user %s: %w", uid, err)
	}
	return dbUser.Model(), nil
}

// SearchUsers returns users whose display name contains term, ignoring case.
func (s *BboltStorage) SearchUsers(_ context.Context, term string) ([]models.User, error) {
	term = strings.ToLower(term)
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if strings.Contains(strings.ToLower(dbUser.DisplayName), term) {
				users = append(users, dbUser.Model())
			}
			return nil
		})
	})
	return users, err
}

// CreateChat assigns an id and creation time and stores the chat.
func (s *BboltStorage) CreateChat(_ context.Context, chat models.Chat) (models.Chat, error) {
	if err := chat.Validate(); err != nil {
		return models.Chat{}, err
	}
	if chat.ID == "" {
		chat.ID = s.newID()
	}
	now := s.now().UnixMilli()
	chat.CreatedAt = now
	if chat.LastMessageAt == 0 {
		chat.LastMessageAt = now
	}
	chat.MembersData = nil

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		if b.Get([]byte(chat.ID)) != nil {
			return fmt.Errorf("chat %s already exists", chat.ID)
		}
		return put(b, newDBChat(chat))
	})
	if err != nil {
		return models.Chat{}, err
	}
	s.feed.publish(CollectionChats, chat.ID, chat.ID)
	return chat, nil
}

func (s *BboltStorage) GetChat(_ context.Context, id string) (models.Chat, error) {
	var dbChat DBChat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketChats), []byte(id), &dbChat)
	})
	if err != nil {
		return models.Chat{}, fmt.Errorf("chat %s: %w", id, err)
	}
	return dbChat.Model(), nil
}

// ListChats returns all chats stored in the database.
func (s *BboltStorage) ListChats(_ context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChats).ForEach(func(k, v []byte) error {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(v); err != nil {
				return err
			}
			chats = append(chats, dbChat.Model())
			return nil
		})
	})
	return chats, err
}

// modifyChat loads a chat, lets fn change it and writes the result back.
// fn returning false skips the write.
func (s *BboltStorage) modifyChat(id string, fn func(c *models.Chat) (bool, error)) (models.Chat, error) {
	var chat models.Chat
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		var dbChat DBChat
		if err := get(b, []byte(id), &dbChat); err != nil {
			return fmt.Errorf("chat %s: %w", id, err)
		}
		chat = dbChat.Model()
		var err error
		if changed, err = fn(&chat); err != nil || !changed {
			return err
		}
		if err := chat.Validate(); err != nil {
			return err
		}
		return put(b, newDBChat(chat))
	})
	if err != nil {
		return models.Chat{}, err
	}
	if changed {
		s.feed.publish(CollectionChats, id, id)
	}
	return chat, nil
}

func (s *BboltStorage) UpdateChat(_ context.Context, id string, patch models.ChatPatch) (models.Chat, error) {
	return s.modifyChat(id, func(c *models.Chat) (bool, error) {
		patch.Apply(c)
		return true, nil
	})
}

// AddMember adds uid to a group's members. Adding a present member is a no-op.
func (s *BboltStorage) AddMember(_ context.Context, chatID, uid string) error {
	_, err := s.modifyChat(chatID, func(c *models.Chat) (bool, error) {
		if !c.IsGroup {
			return false, models.ErrNotGroup
		}
		if c.HasMember(uid) {
			return false, nil
		}
		c.Members = append(c.Members, uid)
		return true, nil
	})
	return err
}

// RemoveMember drops uid from a group. Removing the last member deletes the group.
func (s *BboltStorage) RemoveMember(ctx context.Context, chatID, uid string) error {
	emptied := false
	_, err := s.modifyChat(chatID, func(c *models.Chat) (bool, error) {
		if !c.IsGroup {
			return false, models.ErrNotGroup
		}
		members := slices.DeleteFunc(slices.Clone(c.Members), func(m string) bool { return m == uid })
		if len(members) == len(c.Members) {
			return false, nil
		}
		if len(members) == 0 {
			emptied = true
			return false, nil
		}
		c.Members = members
		return true, nil
	})
	if err != nil {
		return err
	}
	if emptied {
		return s.DeleteChat(ctx, chatID)
	}
	return nil
}

// DeleteChat removes a chat record and its messages. Deleting a missing chat is a no-op.
func (s *BboltStorage) DeleteChat(_ context.Context, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketChats).Delete([]byte(id)); err != nil {
			return err
		}
		msgs := tx.Bucket(bucketMessages)
		if msgs.Bucket([]byte(id)) != nil {
			return msgs.DeleteBucket([]byte(id))
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.feed.publish(CollectionChats, id, id)
	s.feed.publish(CollectionMessages, id, "")
	return nil
}

// AddMessage stores a new message with a server-assigned id and timestamp.
func (s *BboltStorage) AddMessage(_ context.Context, msg models.Message) (models.Message, error) {
	if msg.ChatID == "" {
		return models.Message{}, errors.New("message missing chatID")
	}
	msg.ID = s.newID()
	msg.Timestamp = s.now().UnixMilli()
	msg.SeenBy = nil
	msg.EditedAt = 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		var dbChat DBChat
		if err := get(tx.Bucket(bucketChats), []byte(msg.ChatID), &dbChat); err != nil {
			return fmt.Errorf("chat %s: %w", msg.ChatID, err)
		}
		if !dbChat.Model().HasMember(msg.SenderID) {
			return fmt.Errorf("sender %s: %w", msg.SenderID, models.ErrNotMember)
		}
		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}
		if err := put(chatBucket, newDBMessage(msg)); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	s.feed.publish(CollectionMessages, msg.ChatID, msg.ID)
	msg.Status = models.MessageStatusConfirmed
	msg.SeenBy = []models.SeenEntry{}
	return msg, nil
}

func (s *BboltStorage) GetMessage(_ context.Context, chatID, id string) (models.Message, error) {
	var dbMessage DBMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return models.ErrNotFound
		}
		return get(chatBucket, []byte(id), &dbMessage)
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("message %s/%s: %w", chatID, id, err)
	}
	return dbMessage.Model(), nil
}

// ListMessages returns chat messages ordered by timestamp, then id.
func (s *BboltStorage) ListMessages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil // No messages for this chat
		}
		return chatBucket.ForEach(func(k, v []byte) error {
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMessage.Model())
			return nil
		})
	})
	SortMessages(messages)
	return messages, err
}

// SortMessages orders messages by timestamp, breaking ties by id.
func SortMessages(messages []models.Message) {
	slices.SortFunc(messages, func(a, b models.Message) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), strings.Compare(a.ID, b.ID))
	})
}

// modifyMessage loads a message, lets fn change it and writes the result back.
// fn returning false skips the write.
func (s *BboltStorage) modifyMessage(chatID, id string, fn func(m *models.Message) bool) (models.Message, error) {
	var msg models.Message
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return fmt.Errorf("message %s/%s: %w", chatID, id, models.ErrNotFound)
		}
		var dbMessage DBMessage
		if err := get(chatBucket, []byte(id), &dbMessage); err != nil {
			return fmt.Errorf("message %s/%s: %w", chatID, id, err)
		}
		msg = dbMessage.Model()
		if changed = fn(&msg); !changed {
			return nil
		}
		return put(chatBucket, newDBMessage(msg))
	})
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		s.feed.publish(CollectionMessages, chatID, id)
	}
	return msg, nil
}

// EditMessage replaces the content and stamps editedAt.
func (s *BboltStorage) EditMessage(_ context.Context, chatID, id, content string) (models.Message, error) {
	editedAt := s.now().UnixMilli()
	return s.modifyMessage(chatID, id, func(m *models.Message) bool {
		m.Content = content
		m.EditedAt = editedAt
		return true
	})
}

// AppendSeen adds entry to seenBy unless the uid is already there.
func (s *BboltStorage) AppendSeen(_ context.Context, chatID, id string, entry models.SeenEntry) error {
	if entry.SeenAt == 0 {
		entry.SeenAt = s.now().UnixMilli()
	}
	_, err := s.modifyMessage(chatID, id, func(m *models.Message) bool {
		return m.AddSeen(entry)
	})
	return err
}

// DeleteMessage removes a message. Deleting a missing message is a no-op.
func (s *BboltStorage) DeleteMessage(_ context.Context, chatID, id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil
		}
		return chatBucket.Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	s.feed.publish(CollectionMessages, chatID, id)
	return nil
}

// CreateCall stores a new ringing call session.
func (s *BboltStorage) CreateCall(_ context.Context, call models.CallSession) (models.CallSession, error) {
	if call.CallerID == "" || call.CalleeID == "" || call.CallerID == call.CalleeID {
		return models.CallSession{}, errors.New("call needs two distinct parties")
	}
	if call.Offer.Empty() {
		return models.CallSession{}, errors.New("call missing offer")
	}
	if call.Media == "" {
		call.Media = models.CallMediaAudio
	}
	call.ID = s.newID()
	call.Answer = nil
	call.Status = models.CallStatusRinging
	call.CreatedAt = s.now().UnixMilli()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketCalls), newDBCall(call))
	})
	if err != nil {
		return models.CallSession{}, err
	}
	s.feed.publish(CollectionCalls, "", call.ID)
	return call, nil
}

func (s *BboltStorage) GetCall(_ context.Context, id string) (models.CallSession, error) {
	var dbCall DBCall
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketCalls), []byte(id), &dbCall)
	})
	if err != nil {
		return models.CallSession{}, fmt.Errorf("call %s: %w", id, err)
	}
	return dbCall.Model(), nil
}

// UpdateCall applies a guarded status change inside one transaction.
func (s *BboltStorage) UpdateCall(_ context.Context, id string, update models.CallUpdate) (models.CallSession, error) {
	var call models.CallSession
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCalls)
		var dbCall DBCall
		if err := get(b, []byte(id), &dbCall); err != nil {
			return fmt.Errorf("call %s: %w", id, err)
		}
		call = dbCall.Model()
		if err := update.ApplyTo(&call); err != nil {
			return err
		}
		return put(b, newDBCall(call))
	})
	if err != nil {
		return models.CallSession{}, err
	}
	s.feed.publish(CollectionCalls, "", id)
	return call, nil
}

func (s *BboltStorage) AddStatus(_ context.Context, status models.Status) (models.Status, error) {
	if status.UID == "" {
		return models.Status{}, errors.New("status missing uid")
	}
	status.ID = s.newID()
	status.CreatedAt = s.now().UnixMilli()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketStatuses), &DBStatus{
			ID:          status.ID,
			UID:         status.UID,
			DisplayName: status.DisplayName,
			PhotoURL:    status.PhotoURL,
			Text:        status.Text,
			MediaURL:    status.MediaURL,
			Type:        status.Type,
			CreatedAt:   status.CreatedAt,
		})
	})
	if err != nil {
		return models.Status{}, err
	}
	s.feed.publish(CollectionStatuses, "", status.ID)
	return status, nil
}

// ListStatuses returns all statuses, most recent first.
func (s *BboltStorage) ListStatuses(_ context.Context) ([]models.Status, error) {
	var statuses []models.Status
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStatuses).ForEach(func(k, v []byte) error {
			var dbStatus DBStatus
			if err := dbStatus.UnmarshalBinary(v); err != nil {
				return err
			}
			statuses = append(statuses, dbStatus.Model())
			return nil
		})
	})
	slices.SortFunc(statuses, func(a, b models.Status) int {
		return cmp.Or(cmp.Compare(b.CreatedAt, a.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return statuses, err
}

func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	if sub.UID == "" || sub.Endpoint == "" {
		return errors.New("push subscription needs uid and endpoint")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPush), &DBPushSubscription{
			UID:      sub.UID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		})
	})
}

func (s *BboltStorage) DeletePushSubscription(uid, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := (&DBPushSubscription{UID: uid, Endpoint: endpoint}).Key()
		return tx.Bucket(bucketPush).Delete(key)
	})
}

func (s *BboltStorage) ListPushSubscriptions(uid string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	prefix := []byte(uid + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPush).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{
				UID:      dbSub.UID,
				Endpoint: dbSub.Endpoint,
				P256dh:   dbSub.P256dh,
				Auth:     dbSub.Auth,
			})
		}
		return nil
	})
	return subs, err
}

// Subscribe streams full materializations of q: one immediately and one after
// every committed write that touches q. Slow readers only see the latest batch.
func (s *BboltStorage) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	w := s.feed.add(q)
	out := make(chan Batch, 1)

	go func() {
		defer close(out)
		defer s.feed.remove(w)
		for {
			docs, err := s.snapshot(q)
			if err != nil {
				SendLatest(out, Batch{Err: err})
				return
			}
			SendLatest(out, Batch{Docs: docs})

			select {
			case <-ctx.Done():
				return
			case <-w.notify:
			}
		}
	}()

	return NewSubscription(out, cancel), nil
}

func (s *BboltStorage) snapshot(q Query) ([]Document, error) {
	docs := []Document{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		var b *bbolt.Bucket
		switch q.Collection {
		case CollectionChats:
			b = tx.Bucket(bucketChats)
		case CollectionMessages:
			b = tx.Bucket(bucketMessages).Bucket([]byte(q.ChatID))
		case CollectionCalls:
			b = tx.Bucket(bucketCalls)
		case CollectionStatuses:
			b = tx.Bucket(bucketStatuses)
		}
		if b == nil {
			return nil
		}
		if q.DocID != "" {
			if v := b.Get([]byte(q.DocID)); v != nil {
				docs = append(docs, Document{ID: q.DocID, Data: bytes.Clone(v)})
			}
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if v == nil {
				return nil // nested bucket
			}
			docs = append(docs, Document{ID: string(k), Data: bytes.Clone(v)})
			return nil
		})
	})
	return docs, err
}
