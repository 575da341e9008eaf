package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidChat       = errors.New("invalid chat")
	ErrNotGroup          = errors.New("chat is not a group")
	ErrNotMember         = errors.New("user is not a chat member")
	ErrEmptyMessage      = errors.New("message has neither content nor attachment")
	ErrNotOwner          = errors.New("message belongs to another user")
	ErrNotConfirmed      = errors.New("message is not confirmed")
	ErrCallEnded         = errors.New("call has ended")
	ErrInvalidTransition = errors.New("invalid call status transition")
	ErrStatusConflict    = errors.New("call status changed concurrently")
)

// User is the read-only projection of a member profile.
type User struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
	Email       string `json:"email"`
}

// Identity is the signed-in principal as reported by the identity provider.
type Identity struct {
	User
	EmailVerified bool   `json:"emailVerified"`
	PhoneNumber   string `json:"phoneNumber,omitempty"`
}

// Chat is a direct or group conversation.
type Chat struct {
	ID          string   `json:"id"`
	Members     []string `json:"members"`
	MembersData []User   `json:"membersData,omitempty"` // display-only roster, never persisted
	IsGroup     bool     `json:"isGroup"`
	GroupName   string   `json:"groupName,omitempty"`
	GroupImage  string   `json:"groupImage,omitempty"`

	LastMessage   string `json:"lastMessage"`
	LastMessageAt int64  `json:"lastMessageAt"` // Unix milliseconds
	CreatedAt     int64  `json:"createdAt"`     // Unix milliseconds

	// DisappearingDuration is the message time-to-live in milliseconds, 0 disables it.
	DisappearingDuration int64 `json:"disappearingDuration"`
	// ExpiresAt is the group expiry in Unix milliseconds, 0 means never.
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// Validate checks the structural invariants of a chat.
func (c Chat) Validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("%w: no members", ErrInvalidChat)
	}
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		if m == "" {
			return fmt.Errorf("%w: empty member id", ErrInvalidChat)
		}
		if _, dup := seen[m]; dup {
			return fmt.Errorf("%w: duplicate member %s", ErrInvalidChat, m)
		}
		seen[m] = struct{}{}
	}
	if !c.IsGroup {
		if len(c.Members) != 2 {
			return fmt.Errorf("%w: direct chat needs exactly 2 members, got %d", ErrInvalidChat, len(c.Members))
		}
		if c.ExpiresAt != 0 {
			return fmt.Errorf("%w: only groups can expire", ErrInvalidChat)
		}
	}
	if c.DisappearingDuration < 0 {
		return fmt.Errorf("%w: negative disappearing duration", ErrInvalidChat)
	}
	return nil
}

func (c Chat) HasMember(uid string) bool {
	for _, m := range c.Members {
		if m == uid {
			return true
		}
	}
	return false
}

// Expired reports whether a group has passed its expiry time.
func (c Chat) Expired(now time.Time) bool {
	return c.IsGroup && c.ExpiresAt != 0 && c.ExpiresAt < now.UnixMilli()
}

// MessageExpired reports whether m has outlived the chat's disappearing duration.
func (c Chat) MessageExpired(m Message, now time.Time) bool {
	return c.DisappearingDuration > 0 && now.UnixMilli()-m.Timestamp > c.DisappearingDuration
}

// ChatPatch lists the chat fields a single update may change. Nil fields are left as is.
type ChatPatch struct {
	GroupName            *string `json:"groupName,omitempty"`
	GroupImage           *string `json:"groupImage,omitempty"`
	DisappearingDuration *int64  `json:"disappearingDuration,omitempty"`
	ExpiresAt            *int64  `json:"expiresAt,omitempty"`
	LastMessage          *string `json:"lastMessage,omitempty"`
	LastMessageAt        *int64  `json:"lastMessageAt,omitempty"`
}

func (p ChatPatch) Apply(c *Chat) {
	if p.GroupName != nil {
		c.GroupName = *p.GroupName
	}
	if p.GroupImage != nil {
		c.GroupImage = *p.GroupImage
	}
	if p.DisappearingDuration != nil {
		c.DisappearingDuration = *p.DisappearingDuration
	}
	if p.ExpiresAt != nil {
		c.ExpiresAt = *p.ExpiresAt
	}
	if p.LastMessage != nil {
		c.LastMessage = *p.LastMessage
	}
	if p.LastMessageAt != nil {
		c.LastMessageAt = *p.LastMessageAt
	}
}

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusConfirmed MessageStatus = "confirmed"
	MessageStatusDeleting  MessageStatus = "deleting"
	MessageStatusDeleted   MessageStatus = "deleted"
)

// SeenEntry records when a member has seen a message.
type SeenEntry struct {
	UID    string `json:"uid"`
	SeenAt int64  `json:"seenAt"` // Unix milliseconds
}

// Message represents a chat message.
type Message struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chatId"`
	SenderID  string        `json:"senderId"`
	Content   string        `json:"content"`
	Timestamp int64         `json:"timestamp"` // Unix milliseconds
	SeenBy    []SeenEntry   `json:"seenBy"`
	EditedAt  int64         `json:"editedAt,omitempty"`
	ImageURL  string        `json:"imageUrl,omitempty"`
	ReplyTo   string        `json:"replyTo,omitempty"`
	Status    MessageStatus `json:"status"`
}

func (m Message) SeenByUser(uid string) bool {
	for _, s := range m.SeenBy {
		if s.UID == uid {
			return true
		}
	}
	return false
}

// AddSeen appends entry unless its uid is already present.
// It reports whether seenBy changed.
func (m *Message) AddSeen(entry SeenEntry) bool {
	if m.SeenByUser(entry.UID) {
		return false
	}
	m.SeenBy = append(m.SeenBy, entry)
	return true
}

// Attachment is a file the user attaches to an outgoing message or status.
type Attachment struct {
	Name string
	Data []byte
}

// Status is an append-only broadcast post.
type Status struct {
	ID          string `json:"id"`
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
	Text        string `json:"text,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	Type        string `json:"type"`
	CreatedAt   int64  `json:"createdAt"` // Unix milliseconds
}

// PushSubscription is a browser push endpoint registered by a user.
type PushSubscription struct {
	UID      string `json:"uid"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// APIResponse is a generic response for HTTP endpoints.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
