package chatstate

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatsync/internal/filestore"
	"chatsync/internal/models"
	"chatsync/internal/storage"
	"chatsync/internal/syncer"

	"github.com/google/uuid"
)

var ErrClosed = errors.New("chat state store is closed")

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.log = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRosterTTL sets how long resolved member profiles are reused across loads.
func WithRosterTTL(ttl time.Duration) Option {
	return func(s *Store) { s.rosterTTL = ttl }
}

// Store keeps the local view of chats and the selected chat's messages in step
// with the remote store. All methods are safe for concurrent use.
type Store struct {
	remote    storage.Store
	feeds     *syncer.Syncer
	media     filestore.Media
	roster    *roster
	me        models.Identity
	log       *slog.Logger
	now       func() time.Time
	newID     func() string
	rosterTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// notifyMu orders observer callbacks; it is always taken before mu.
	notifyMu  sync.Mutex
	observers map[int]func(State)
	nextObs   int

	mu            sync.Mutex
	closed        bool
	state         State
	chatsStream   *syncer.Stream[[]models.Chat]
	msgStream     *syncer.Stream[[]models.Message]
	msgChatID     string
	confirmed     []models.Message
	pending       []models.Message
	deleting      map[string]struct{}
	seenInFlight  map[string]struct{}
}

// New returns a Store for me. media may be nil, in which case sends with an
// attachment fail with ErrNoMedia.
func New(remote storage.Store, media filestore.Media, me models.Identity, opts ...Option) *Store {
	s := &Store{
		remote:       remote,
		media:        media,
		me:           me,
		log:          slog.Default(),
		now:          time.Now,
		newID:        uuid.NewString,
		rosterTTL:    time.Minute,
		observers:    make(map[int]func(State)),
		deleting:     make(map[string]struct{}),
		seenInFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "chatstate", "uid", me.UID)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.feeds = syncer.New(remote, s.log)
	s.roster = newRoster(s.ctx, remote, s.rosterTTL, s.log)
	return s
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// OnChange registers fn to receive a copy of the state after every change.
// fn must not call back into the store's commands. The returned func unregisters it.
func (s *Store) OnChange(fn func(State)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.observers, id)
	}
}

func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if len(s.observers) == 0 {
		return
	}
	st := s.State()
	for _, fn := range s.observers {
		fn(st.clone())
	}
}

// update runs fn under the state lock and notifies observers afterwards.
func (s *Store) update(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()
	s.notify()
}

// goAsync runs fn in the background unless the store is closing. Callers hold mu.
func (s *Store) goAsync(fn func()) {
	if s.closed {
		return
	}
	s.wg.Go(fn)
}

// DismissError clears the last command error.
func (s *Store) DismissError() {
	s.update(func() { s.state.CommandErr = nil })
}

func (s *Store) fail(err error) error {
	s.update(func() { s.state.CommandErr = err })
	return err
}

// LoadChats subscribes to the chats uid is a member of and returns once the
// first snapshot is applied. Later snapshots are applied in the background.
func (s *Store) LoadChats(ctx context.Context, uid string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.chatsStream
	s.chatsStream = nil
	s.state.ChatsQuery = QueryState{Loading: true}
	s.mu.Unlock()
	s.notify()
	if old != nil {
		old.Close()
	}

	stream, err := s.feeds.SubscribeChats(s.ctx, uid)
	if err != nil {
		s.update(func() { s.state.ChatsQuery = QueryState{Err: err} })
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stream.Close()
		return ErrClosed
	}
	s.chatsStream = stream
	s.mu.Unlock()

	select {
	case ev, ok := <-stream.Events():
		if !ok {
			return ErrClosed
		}
		s.applyChats(stream, uid, ev)
		if ev.Err != nil {
			stream.Close()
			return ev.Err
		}
	case <-ctx.Done():
		s.mu.Lock()
		if s.chatsStream == stream {
			s.chatsStream = nil
			s.state.ChatsQuery = QueryState{Err: ctx.Err()}
		}
		s.mu.Unlock()
		stream.Close()
		s.notify()
		return ctx.Err()
	}

	s.mu.Lock()
	s.goAsync(func() {
		defer stream.Close()
		for ev := range stream.Events() {
			s.applyChats(stream, uid, ev)
		}
	})
	s.mu.Unlock()
	return nil
}

func (s *Store) applyChats(stream *syncer.Stream[[]models.Chat], uid string, ev syncer.Event[[]models.Chat]) {
	if ev.Err == nil {
		s.roster.resolve(s.ctx, ev.Snapshot, uid)
	}

	s.mu.Lock()
	if s.chatsStream != stream {
		s.mu.Unlock()
		return
	}
	if ev.Err != nil {
		s.log.Warn("chat subscription failed", "error", ev.Err)
		s.chatsStream = nil
		s.state.ChatsQuery = QueryState{Err: ev.Err}
	} else {
		s.state.Chats = ev.Snapshot
		s.state.ChatsQuery = QueryState{}
		if s.state.Current != nil {
			if i := s.chatIndex(s.state.Current.ID); i >= 0 {
				c := cloneChat(s.state.Chats[i])
				s.state.Current = &c
			}
		}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Store) chatIndex(id string) int {
	return slices.IndexFunc(s.state.Chats, func(c models.Chat) bool { return c.ID == id })
}

// SelectChat makes chat the current chat and loads its messages.
func (s *Store) SelectChat(ctx context.Context, chat models.Chat) error {
	s.update(func() {
		c := cloneChat(chat)
		s.state.Current = &c
	})
	return s.LoadMessages(ctx, chat.ID)
}

// LoadMessages subscribes to a chat's messages and returns once the first
// snapshot is applied. Each applied snapshot marks its messages as seen.
func (s *Store) LoadMessages(ctx context.Context, chatID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.msgStream
	s.msgStream = nil
	s.msgChatID = chatID
	s.confirmed = nil
	s.state.MessagesQuery = QueryState{Loading: true}
	s.rebuild()
	s.mu.Unlock()
	s.notify()
	if old != nil {
		old.Close()
	}

	stream, err := s.feeds.SubscribeMessages(s.ctx, chatID)
	if err != nil {
		s.update(func() {
			if s.msgChatID == chatID {
				s.state.MessagesQuery = QueryState{Err: err}
			}
		})
		return err
	}

	s.mu.Lock()
	if closed := s.closed; closed || s.msgChatID != chatID {
		s.mu.Unlock()
		stream.Close()
		if closed {
			return ErrClosed
		}
		return nil
	}
	s.msgStream = stream
	s.mu.Unlock()

	select {
	case ev, ok := <-stream.Events():
		if !ok {
			return ErrClosed
		}
		s.applyMessages(stream, chatID, ev)
		if ev.Err != nil {
			stream.Close()
			return ev.Err
		}
	case <-ctx.Done():
		s.mu.Lock()
		if s.msgStream == stream {
			s.msgStream = nil
			s.state.MessagesQuery = QueryState{Err: ctx.Err()}
		}
		s.mu.Unlock()
		stream.Close()
		s.notify()
		return ctx.Err()
	}

	s.mu.Lock()
	s.goAsync(func() {
		defer stream.Close()
		for ev := range stream.Events() {
			s.applyMessages(stream, chatID, ev)
		}
	})
	s.mu.Unlock()
	return nil
}

func (s *Store) applyMessages(stream *syncer.Stream[[]models.Message], chatID string, ev syncer.Event[[]models.Message]) {
	s.mu.Lock()
	if s.msgStream != stream {
		s.mu.Unlock()
		return
	}
	if ev.Err != nil {
		s.log.Warn("message subscription failed", "chat_id", chatID, "error", ev.Err)
		s.msgStream = nil
		s.state.MessagesQuery = QueryState{Err: ev.Err}
	} else {
		s.confirmed = ev.Snapshot
		s.state.MessagesQuery = QueryState{}
		s.rebuild()
		msgs := slices.Clone(ev.Snapshot)
		s.goAsync(func() {
			if err := s.markSeen(s.ctx, chatID, msgs); err != nil {
				s.log.Warn("failed to mark messages seen", "chat_id", chatID, "error", err)
			}
		})
	}
	s.mu.Unlock()
	s.notify()
}

// rebuild derives the visible message list from the confirmed snapshot, the
// deleting set and the pending sends of the current chat. Callers hold mu.
func (s *Store) rebuild() {
	msgs := make([]models.Message, 0, len(s.confirmed)+len(s.pending))
	for _, m := range s.confirmed {
		if _, ok := s.deleting[m.ID]; ok {
			m.Status = models.MessageStatusDeleting
		}
		msgs = append(msgs, m)
	}
	for _, m := range s.pending {
		if m.ChatID == s.msgChatID {
			msgs = append(msgs, m)
		}
	}
	s.state.Messages = msgs
}

// Close releases every subscription and waits for background work to finish.
// In-flight commands keep their own contexts and are not cancelled.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	chats, msgs := s.chatsStream, s.msgStream
	s.chatsStream, s.msgStream = nil, nil
	s.mu.Unlock()

	s.cancel()
	if chats != nil {
		chats.Close()
	}
	if msgs != nil {
		msgs.Close()
	}
	s.wg.Wait()
}
