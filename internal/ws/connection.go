package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatsync/internal/models"
	"chatsync/internal/storage"

	"github.com/c-pro/geche"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Connection serves one relay session. Requests run concurrently; replies and
// subscription batches are written by a single loop.
type Connection struct {
	ws         wsConnection
	store      storage.Store
	uid        string
	log        *slog.Logger
	fromClient chan Request
	toClient   chan Response
	errorCh    chan error
	subs       *geche.Locker[string, *storage.Subscription]
	handlers   sync.WaitGroup
	notifier   CallNotifier
}

func NewConnection(
	store storage.Store,
	ws wsConnection,
	uid string,
	logger *slog.Logger,
) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		ws:         ws,
		store:      store,
		uid:        uid,
		log:        logger.With("component", "relay", "uid", uid),
		fromClient: make(chan Request),
		toClient:   make(chan Response, 64),
		errorCh:    make(chan error, 2),
		subs:       geche.NewLocker[string, *storage.Subscription](geche.NewMapCache[string, *storage.Subscription]()),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	cancel()
	_ = c.ws.Close()
	wg.Wait()

	c.closeSubscriptions()
	c.handlers.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var req Request
		if err := c.ws.ReadJSON(&req); err != nil {
			return err
		}
		select {
		case c.fromClient <- req:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case req := <-c.fromClient:
			c.handlers.Go(func() {
				c.send(ctx, c.reply(ctx, req))
			})
		case resp := <-c.toClient:
			if err := c.ws.WriteJSON(resp); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) send(ctx context.Context, resp Response) {
	select {
	case c.toClient <- resp:
	case <-ctx.Done():
	}
}

func (c *Connection) reply(ctx context.Context, req Request) Response {
	var p Params
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return Response{ID: req.ID, Error: toWire(badRequest("params: %v", err))}
		}
	}
	v, err := c.dispatch(ctx, req.Op, p)
	if err != nil {
		c.log.Debug("request failed", "op", req.Op, "error", err)
		return Response{ID: req.ID, Error: toWire(err)}
	}
	if v == nil {
		return Response{ID: req.ID}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{ID: req.ID, Error: toWire(err)}
	}
	return Response{ID: req.ID, Result: raw}
}

func (c *Connection) dispatch(ctx context.Context, op string, p Params) (any, error) {
	switch op {
	case OpGetUser:
		return c.store.GetUser(ctx, p.UID)
	case OpUpsertUser:
		if p.User == nil {
			return nil, badRequest("user is required")
		}
		if p.User.UID != c.uid {
			return nil, fmt.Errorf("%w: profile of %s", ErrUnauthorized, p.User.UID)
		}
		return nil, c.store.UpsertUser(ctx, *p.User)
	case OpSearchUsers:
		return c.store.SearchUsers(ctx, p.Term)

	case OpCreateChat:
		if p.Chat == nil {
			return nil, badRequest("chat is required")
		}
		if !p.Chat.HasMember(c.uid) {
			return nil, fmt.Errorf("%w: creator must be a member", ErrUnauthorized)
		}
		return c.store.CreateChat(ctx, *p.Chat)
	case OpGetChat:
		return c.store.GetChat(ctx, p.ID)
	case OpListChats:
		return c.store.ListChats(ctx)
	case OpUpdateChat:
		if p.Patch == nil {
			return nil, badRequest("patch is required")
		}
		if err := c.requireMember(ctx, p.ID); err != nil {
			return nil, err
		}
		return c.store.UpdateChat(ctx, p.ID, *p.Patch)
	case OpAddMember:
		if err := c.requireMember(ctx, p.ChatID); err != nil {
			return nil, err
		}
		return nil, c.store.AddMember(ctx, p.ChatID, p.UID)
	case OpRemoveMember:
		if err := c.requireMember(ctx, p.ChatID); err != nil {
			return nil, err
		}
		return nil, c.store.RemoveMember(ctx, p.ChatID, p.UID)
	case OpDeleteChat:
		if err := c.requireMember(ctx, p.ID); err != nil {
			return nil, err
		}
		return nil, c.store.DeleteChat(ctx, p.ID)

	case OpAddMessage:
		if p.Message == nil {
			return nil, badRequest("message is required")
		}
		msg := *p.Message
		if msg.SenderID != "" && msg.SenderID != c.uid {
			return nil, fmt.Errorf("%w: sending as %s", ErrUnauthorized, msg.SenderID)
		}
		msg.SenderID = c.uid
		if err := c.requireMember(ctx, msg.ChatID); err != nil {
			return nil, err
		}
		return c.store.AddMessage(ctx, msg)
	case OpGetMessage:
		if err := c.requireMember(ctx, p.ChatID); err != nil {
			return nil, err
		}
		return c.store.GetMessage(ctx, p.ChatID, p.ID)
	case OpListMessages:
		if err := c.requireMember(ctx, p.ChatID); err != nil {
			return nil, err
		}
		return c.store.ListMessages(ctx, p.ChatID)
	case OpEditMessage:
		if err := c.requireOwner(ctx, p.ChatID, p.ID); err != nil {
			return nil, err
		}
		return c.store.EditMessage(ctx, p.ChatID, p.ID, p.Content)
	case OpAppendSeen:
		if p.Seen == nil {
			return nil, badRequest("seen entry is required")
		}
		if p.Seen.UID != c.uid {
			return nil, fmt.Errorf("%w: marking seen for %s", ErrUnauthorized, p.Seen.UID)
		}
		if err := c.requireMember(ctx, p.ChatID); err != nil {
			return nil, err
		}
		return nil, c.store.AppendSeen(ctx, p.ChatID, p.ID, *p.Seen)
	case OpDeleteMessage:
		if err := c.requireOwner(ctx, p.ChatID, p.ID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return nil, c.store.DeleteMessage(ctx, p.ChatID, p.ID)

	case OpCreateCall:
		if p.Call == nil {
			return nil, badRequest("call is required")
		}
		if p.Call.CallerID != c.uid {
			return nil, fmt.Errorf("%w: calling as %s", ErrUnauthorized, p.Call.CallerID)
		}
		call, err := c.store.CreateCall(ctx, *p.Call)
		if err != nil {
			return nil, err
		}
		if c.notifier != nil {
			if err := c.notifier.NotifyIncomingCall(ctx, call); err != nil {
				c.log.Warn("failed to notify callee", "call_id", call.ID, "callee", call.CalleeID, "error", err)
			}
		}
		return call, nil
	case OpGetCall:
		return c.store.GetCall(ctx, p.ID)
	case OpUpdateCall:
		if p.Update == nil {
			return nil, badRequest("update is required")
		}
		call, err := c.store.GetCall(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if call.CallerID != c.uid && call.CalleeID != c.uid {
			return nil, fmt.Errorf("%w: not a party to call %s", ErrUnauthorized, p.ID)
		}
		return c.store.UpdateCall(ctx, p.ID, *p.Update)

	case OpAddStatus:
		if p.Status == nil {
			return nil, badRequest("status is required")
		}
		if p.Status.UID != c.uid {
			return nil, fmt.Errorf("%w: posting as %s", ErrUnauthorized, p.Status.UID)
		}
		return c.store.AddStatus(ctx, *p.Status)
	case OpListStatuses:
		return c.store.ListStatuses(ctx)

	case OpSubscribe:
		return nil, c.subscribe(ctx, p)
	case OpUnsubscribe:
		if sub := c.unregister(p.Sub); sub != nil {
			sub.Close()
		}
		return nil, nil
	}
	return nil, badRequest("unknown op %q", op)
}

func (c *Connection) requireMember(ctx context.Context, chatID string) error {
	chat, err := c.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.HasMember(c.uid) {
		return fmt.Errorf("chat %s: %w", chatID, models.ErrNotMember)
	}
	return nil
}

func (c *Connection) requireOwner(ctx context.Context, chatID, id string) error {
	msg, err := c.store.GetMessage(ctx, chatID, id)
	if err != nil {
		return err
	}
	if msg.SenderID != c.uid {
		return fmt.Errorf("message %s: %w", id, models.ErrNotOwner)
	}
	return nil
}

func (c *Connection) subscribe(ctx context.Context, p Params) error {
	if p.Query == nil || p.Sub == "" {
		return badRequest("query and sub id are required")
	}
	if err := p.Query.Validate(); err != nil {
		return badRequest("%v", err)
	}
	// Chat lists are filtered by the client; message feeds are members only.
	if p.Query.Collection == storage.CollectionMessages {
		if err := c.requireMember(ctx, p.Query.ChatID); err != nil {
			return err
		}
	}

	tx := c.subs.Lock()
	if _, err := tx.Get(p.Sub); err == nil {
		tx.Unlock()
		return badRequest("subscription %s already exists", p.Sub)
	}
	sub, err := c.store.Subscribe(ctx, *p.Query)
	if err != nil {
		tx.Unlock()
		return err
	}
	tx.Set(p.Sub, sub)
	tx.Unlock()

	c.handlers.Go(func() { c.forward(ctx, p.Sub, sub) })
	return nil
}

// forward relays batches of one subscription until it ends.
func (c *Connection) forward(ctx context.Context, id string, sub *storage.Subscription) {
	for {
		select {
		case b, ok := <-sub.Batches():
			switch {
			case !ok:
				// Closed by unsubscribe, or by the store.
				if c.unregister(id) != nil {
					c.send(ctx, Response{Sub: id, Error: &Error{Code: codeInternal, Message: "subscription closed"}})
				}
				return
			case b.Err != nil:
				c.unregister(id)
				sub.Close()
				c.send(ctx, Response{Sub: id, Error: toWire(b.Err)})
				return
			}
			c.send(ctx, Response{Sub: id, Docs: b.Docs})
		case <-ctx.Done():
			return
		}
	}
}

func (c *Connection) unregister(id string) *storage.Subscription {
	tx := c.subs.Lock()
	defer tx.Unlock()
	sub, err := tx.Get(id)
	if err != nil {
		return nil
	}
	_ = tx.Del(id)
	return sub
}

func (c *Connection) closeSubscriptions() {
	tx := c.subs.Lock()
	defer tx.Unlock()
	for id, sub := range tx.Snapshot() {
		sub.Close()
		_ = tx.Del(id)
	}
}
