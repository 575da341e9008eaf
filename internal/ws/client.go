package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"chatsync/internal/models"
	"chatsync/internal/storage"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrDisconnected = errors.New("relay connection lost")

// Client is a storage.Store served by a remote relay over one websocket.
// Requests may be issued concurrently. When the connection drops, pending
// requests fail and every open subscription receives one error batch.
type Client struct {
	conn    *websocket.Conn
	log     *slog.Logger
	writeMu sync.Mutex
	nextID  atomic.Uint64

	pending *geche.Locker[uint64, chan Response]
	// Batches are only sent by readLoop, with the subs lock held.
	subs *geche.Locker[string, chan storage.Batch]

	done chan struct{}
	once sync.Once
	err  error
}

var _ storage.Store = (*Client)(nil)

// Dial connects to the relay at url (ws:// or wss://) with a session token.
func Dial(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	header.Set("token", token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial relay: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		conn:    conn,
		log:     logger.With("component", "relay-client"),
		pending: geche.NewLocker[uint64, chan Response](geche.NewMapCache[uint64, chan Response]()),
		subs:    geche.NewLocker[string, chan storage.Batch](geche.NewMapCache[string, chan storage.Batch]()),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close drops the connection and waits for the reader to stop.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) readLoop() {
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.fail(err)
			return
		}
		if resp.Sub != "" {
			c.deliver(resp)
			continue
		}
		tx := c.pending.Lock()
		ch, err := tx.Get(resp.ID)
		if err == nil {
			_ = tx.Del(resp.ID)
		}
		tx.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

func (c *Client) deliver(resp Response) {
	tx := c.subs.Lock()
	defer tx.Unlock()
	ch, err := tx.Get(resp.Sub)
	if err != nil {
		return
	}
	if resp.Error != nil {
		storage.SendLatest(ch, storage.Batch{Err: fromWire(resp.Error)})
		close(ch)
		_ = tx.Del(resp.Sub)
		return
	}
	storage.SendLatest(ch, storage.Batch{Docs: resp.Docs})
}

func (c *Client) fail(cause error) {
	c.once.Do(func() {
		c.err = fmt.Errorf("%w: %v", ErrDisconnected, cause)
		close(c.done)
	})

	tx := c.subs.Lock()
	defer tx.Unlock()
	for id, ch := range tx.Snapshot() {
		storage.SendLatest(ch, storage.Batch{Err: c.err})
		close(ch)
		_ = tx.Del(id)
	}
}

func (c *Client) call(ctx context.Context, op string, params Params, out any) error {
	select {
	case <-c.done:
		return c.err
	default:
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	ch := make(chan Response, 1)
	tx := c.pending.Lock()
	tx.Set(id, ch)
	tx.Unlock()
	defer func() {
		tx := c.pending.Lock()
		_ = tx.Del(id)
		tx.Unlock()
	}()

	c.writeMu.Lock()
	err = c.conn.WriteJSON(Request{ID: id, Op: op, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fromWire(resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.err
	}
}

func (c *Client) GetUser(ctx context.Context, uid string) (models.User, error) {
	var u models.User
	err := c.call(ctx, OpGetUser, Params{UID: uid}, &u)
	return u, err
}

func (c *Client) UpsertUser(ctx context.Context, user models.User) error {
	return c.call(ctx, OpUpsertUser, Params{User: &user}, nil)
}

func (c *Client) SearchUsers(ctx context.Context, term string) ([]models.User, error) {
	var users []models.User
	err := c.call(ctx, OpSearchUsers, Params{Term: term}, &users)
	return users, err
}

func (c *Client) CreateChat(ctx context.Context, chat models.Chat) (models.Chat, error) {
	var out models.Chat
	err := c.call(ctx, OpCreateChat, Params{Chat: &chat}, &out)
	return out, err
}

func (c *Client) GetChat(ctx context.Context, id string) (models.Chat, error) {
	var out models.Chat
	err := c.call(ctx, OpGetChat, Params{ID: id}, &out)
	return out, err
}

func (c *Client) ListChats(ctx context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := c.call(ctx, OpListChats, Params{}, &chats)
	return chats, err
}

func (c *Client) UpdateChat(ctx context.Context, id string, patch models.ChatPatch) (models.Chat, error) {
	var out models.Chat
	err := c.call(ctx, OpUpdateChat, Params{ID: id, Patch: &patch}, &out)
	return out, err
}

func (c *Client) AddMember(ctx context.Context, chatID, uid string) error {
	return c.call(ctx, OpAddMember, Params{ChatID: chatID, UID: uid}, nil)
}

func (c *Client) RemoveMember(ctx context.Context, chatID, uid string) error {
	return c.call(ctx, OpRemoveMember, Params{ChatID: chatID, UID: uid}, nil)
}

func (c *Client) DeleteChat(ctx context.Context, id string) error {
	return c.call(ctx, OpDeleteChat, Params{ID: id}, nil)
}

func (c *Client) AddMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	var out models.Message
	err := c.call(ctx, OpAddMessage, Params{Message: &msg}, &out)
	return out, err
}

func (c *Client) GetMessage(ctx context.Context, chatID, id string) (models.Message, error) {
	var out models.Message
	err := c.call(ctx, OpGetMessage, Params{ChatID: chatID, ID: id}, &out)
	return out, err
}

func (c *Client) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	var msgs []models.Message
	err := c.call(ctx, OpListMessages, Params{ChatID: chatID}, &msgs)
	return msgs, err
}

func (c *Client) EditMessage(ctx context.Context, chatID, id, content string) (models.Message, error) {
	var out models.Message
	err := c.call(ctx, OpEditMessage, Params{ChatID: chatID, ID: id, Content: content}, &out)
	return out, err
}

func (c *Client) AppendSeen(ctx context.Context, chatID, id string, entry models.SeenEntry) error {
	return c.call(ctx, OpAppendSeen, Params{ChatID: chatID, ID: id, Seen: &entry}, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, chatID, id string) error {
	return c.call(ctx, OpDeleteMessage, Params{ChatID: chatID, ID: id}, nil)
}

func (c *Client) CreateCall(ctx context.Context, call models.CallSession) (models.CallSession, error) {
	var out models.CallSession
	err := c.call(ctx, OpCreateCall, Params{Call: &call}, &out)
	return out, err
}

func (c *Client) GetCall(ctx context.Context, id string) (models.CallSession, error) {
	var out models.CallSession
	err := c.call(ctx, OpGetCall, Params{ID: id}, &out)
	return out, err
}

func (c *Client) UpdateCall(ctx context.Context, id string, update models.CallUpdate) (models.CallSession, error) {
	var out models.CallSession
	err := c.call(ctx, OpUpdateCall, Params{ID: id, Update: &update}, &out)
	return out, err
}

func (c *Client) AddStatus(ctx context.Context, status models.Status) (models.Status, error) {
	var out models.Status
	err := c.call(ctx, OpAddStatus, Params{Status: &status}, &out)
	return out, err
}

func (c *Client) ListStatuses(ctx context.Context) ([]models.Status, error) {
	var statuses []models.Status
	err := c.call(ctx, OpListStatuses, Params{}, &statuses)
	return statuses, err
}

// Subscribe opens a relay subscription. It ends when ctx is done, when the
// subscription is closed, or when the connection drops.
func (c *Client) Subscribe(ctx context.Context, q storage.Query) (*storage.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan storage.Batch, 1)
	tx := c.subs.Lock()
	tx.Set(id, ch)
	tx.Unlock()

	if err := c.call(ctx, OpSubscribe, Params{Query: &q, Sub: id}, nil); err != nil {
		c.dropSub(id)
		return nil, err
	}

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			if c.dropSub(id) {
				go func() {
					if err := c.call(context.Background(), OpUnsubscribe, Params{Sub: id}, nil); err != nil {
						c.log.Debug("unsubscribe failed", "sub", id, "error", err)
					}
				}()
			}
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		case <-c.done:
		}
	}()
	return storage.NewSubscription(ch, cancel), nil
}

// dropSub closes and forgets a subscription channel. It reports whether the
// subscription was still open.
func (c *Client) dropSub(id string) bool {
	tx := c.subs.Lock()
	defer tx.Unlock()
	ch, err := tx.Get(id)
	if err != nil {
		return false
	}
	close(ch)
	_ = tx.Del(id)
	return true
}
