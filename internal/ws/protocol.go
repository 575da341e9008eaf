package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/internal/models"
	"chatsync/internal/storage"
)

// Operations a relay client may request.
const (
	OpGetUser     = "get_user"
	OpUpsertUser  = "upsert_user"
	OpSearchUsers = "search_users"

	OpCreateChat   = "create_chat"
	OpGetChat      = "get_chat"
	OpListChats    = "list_chats"
	OpUpdateChat   = "update_chat"
	OpAddMember    = "add_member"
	OpRemoveMember = "remove_member"
	OpDeleteChat   = "delete_chat"

	OpAddMessage    = "add_message"
	OpGetMessage    = "get_message"
	OpListMessages  = "list_messages"
	OpEditMessage   = "edit_message"
	OpAppendSeen    = "append_seen"
	OpDeleteMessage = "delete_message"

	OpCreateCall = "create_call"
	OpGetCall    = "get_call"
	OpUpdateCall = "update_call"

	OpAddStatus    = "add_status"
	OpListStatuses = "list_statuses"

	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Request is a client to relay frame.
type Request struct {
	ID     uint64          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a relay to client frame. Replies carry the request ID; batches
// pushed for a subscription carry its Sub id instead.
type Response struct {
	ID     uint64             `json:"id,omitempty"`
	Sub    string             `json:"sub,omitempty"`
	Result json.RawMessage    `json:"result,omitempty"`
	Docs   []storage.Document `json:"docs,omitempty"`
	Error  *Error             `json:"error,omitempty"`
}

// Params is the union of request parameters; each op reads the fields it needs.
type Params struct {
	UID     string              `json:"uid,omitempty"`
	Term    string              `json:"term,omitempty"`
	ID      string              `json:"id,omitempty"`
	ChatID  string              `json:"chatId,omitempty"`
	Content string              `json:"content,omitempty"`
	User    *models.User        `json:"user,omitempty"`
	Chat    *models.Chat        `json:"chat,omitempty"`
	Patch   *models.ChatPatch   `json:"patch,omitempty"`
	Message *models.Message     `json:"message,omitempty"`
	Seen    *models.SeenEntry   `json:"seen,omitempty"`
	Call    *models.CallSession `json:"call,omitempty"`
	Update  *models.CallUpdate  `json:"update,omitempty"`
	Status  *models.Status      `json:"status,omitempty"`
	Query   *storage.Query      `json:"query,omitempty"`
	Sub     string              `json:"sub,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

const (
	codeInternal     = "internal"
	codeBadRequest   = "bad_request"
	codeUnauthorized = "unauthorized"
)

var errorCodes = []struct {
	code string
	err  error
}{
	{"not_found", models.ErrNotFound},
	{"invalid_chat", models.ErrInvalidChat},
	{"not_group", models.ErrNotGroup},
	{"not_member", models.ErrNotMember},
	{"empty_message", models.ErrEmptyMessage},
	{"not_owner", models.ErrNotOwner},
	{"not_confirmed", models.ErrNotConfirmed},
	{"call_ended", models.ErrCallEnded},
	{"invalid_transition", models.ErrInvalidTransition},
	{"status_conflict", models.ErrStatusConflict},
	{codeUnauthorized, ErrUnauthorized},
}

var (
	ErrUnauthorized = errors.New("operation not permitted for this session")
	ErrBadRequest   = errors.New("bad request")
)

// toWire converts err to a wire error, keeping the sentinel it wraps.
func toWire(err error) *Error {
	if err == nil {
		return nil
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return &Error{Code: c.code, Message: err.Error()}
		}
	}
	if errors.Is(err, ErrBadRequest) {
		return &Error{Code: codeBadRequest, Message: err.Error()}
	}
	return &Error{Code: codeInternal, Message: err.Error()}
}

// fromWire turns a wire error back into an error that matches its sentinel
// with errors.Is.
func fromWire(e *Error) error {
	if e == nil {
		return nil
	}
	for _, c := range errorCodes {
		if c.code == e.Code {
			return &remoteError{msg: e.Message, sentinel: c.err}
		}
	}
	if e.Code == codeBadRequest {
		return &remoteError{msg: e.Message, sentinel: ErrBadRequest}
	}
	return e
}

type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}
