package chatstate

import (
	"slices"

	"chatsync/internal/models"
)

// QueryState tracks one live query. Err is set when the query could not be
// opened or its stream failed; reloading clears it.
type QueryState struct {
	Loading bool
	Err     error
}

// State is a point-in-time copy of everything the store holds.
// Chats are in store order; sorting by activity is up to the caller.
type State struct {
	Chats         []models.Chat
	Current       *models.Chat
	Messages      []models.Message
	ChatsQuery    QueryState
	MessagesQuery QueryState
	// CommandErr is the last failed write, kept until DismissError.
	CommandErr error
}

func cloneChat(c models.Chat) models.Chat {
	c.Members = slices.Clone(c.Members)
	c.MembersData = slices.Clone(c.MembersData)
	return c
}

func cloneMessage(m models.Message) models.Message {
	m.SeenBy = slices.Clone(m.SeenBy)
	return m
}

func (s State) clone() State {
	out := s
	out.Chats = make([]models.Chat, len(s.Chats))
	for i, c := range s.Chats {
		out.Chats[i] = cloneChat(c)
	}
	if s.Current != nil {
		c := cloneChat(*s.Current)
		out.Current = &c
	}
	out.Messages = make([]models.Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = cloneMessage(m)
	}
	return out
}

// Draft is an outgoing message before it is sent.
type Draft struct {
	ChatID     string
	Content    string
	Attachment *models.Attachment
	ReplyTo    string
}

// NewChat describes a chat to create. The local user is always added to Members.
type NewChat struct {
	Members    []string
	IsGroup    bool
	GroupName  string
	GroupImage string
	ExpiresAt  int64 // Unix milliseconds, groups only
}
