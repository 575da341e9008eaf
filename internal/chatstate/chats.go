package chatstate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"chatsync/internal/content"
	"chatsync/internal/models"
)

// CreateChat creates a direct or group chat that includes the local user.
// A direct chat with the same peer is reused instead of duplicated.
func (s *Store) CreateChat(ctx context.Context, nc NewChat) (models.Chat, error) {
	members := []string{s.me.UID}
	for _, uid := range nc.Members {
		if uid != "" && !slices.Contains(members, uid) {
			members = append(members, uid)
		}
	}

	if !nc.IsGroup && len(members) == 2 {
		s.mu.Lock()
		i := slices.IndexFunc(s.state.Chats, func(c models.Chat) bool {
			return !c.IsGroup && c.HasMember(members[0]) && c.HasMember(members[1])
		})
		var existing models.Chat
		if i >= 0 {
			existing = cloneChat(s.state.Chats[i])
		}
		s.mu.Unlock()
		if i >= 0 {
			return existing, nil
		}
	}

	chat := models.Chat{
		Members:    members,
		IsGroup:    nc.IsGroup,
		GroupName:  content.Sanitize(nc.GroupName),
		GroupImage: nc.GroupImage,
		ExpiresAt:  nc.ExpiresAt,
	}
	if err := chat.Validate(); err != nil {
		return models.Chat{}, err
	}

	created, err := s.remote.CreateChat(ctx, chat)
	if err != nil {
		return models.Chat{}, s.fail(fmt.Errorf("create chat: %w", err))
	}
	s.update(func() { s.upsertChat(created) })
	return created, nil
}

// upsertChat replaces or adds chat in the local list, keeping the resolved roster.
// Callers hold mu.
func (s *Store) upsertChat(chat models.Chat) {
	chats := slices.Clone(s.state.Chats)
	if i := s.chatIndex(chat.ID); i >= 0 {
		if chat.MembersData == nil {
			chat.MembersData = chats[i].MembersData
		}
		chats[i] = chat
	} else {
		chats = append(chats, chat)
	}
	s.state.Chats = chats
	if s.state.Current != nil && s.state.Current.ID == chat.ID {
		c := cloneChat(chat)
		if c.MembersData == nil {
			c.MembersData = s.state.Current.MembersData
		}
		s.state.Current = &c
	}
}

// dropChat removes a chat from the local list and deselects it. Callers hold mu
// and call the returned func once mu is released.
func (s *Store) dropChat(id string) func() {
	s.state.Chats = slices.DeleteFunc(slices.Clone(s.state.Chats), func(c models.Chat) bool { return c.ID == id })
	if s.state.Current == nil || s.state.Current.ID != id {
		return func() {}
	}
	s.state.Current = nil
	stream := s.msgStream
	s.msgStream = nil
	s.msgChatID = ""
	s.confirmed = nil
	s.state.MessagesQuery = QueryState{}
	s.rebuild()
	return func() {
		if stream != nil {
			stream.Close()
		}
	}
}

func (s *Store) groupChat(ctx context.Context, chatID string) (models.Chat, error) {
	s.mu.Lock()
	i := s.chatIndex(chatID)
	var chat models.Chat
	if i >= 0 {
		chat = cloneChat(s.state.Chats[i])
	}
	s.mu.Unlock()

	if i < 0 {
		var err error
		if chat, err = s.remote.GetChat(ctx, chatID); err != nil {
			return models.Chat{}, err
		}
	}
	if !chat.IsGroup {
		return models.Chat{}, models.ErrNotGroup
	}
	return chat, nil
}

// UpdateGroupInfo renames a group and sets its image URL.
func (s *Store) UpdateGroupInfo(ctx context.Context, chatID, name, image string) (models.Chat, error) {
	if _, err := s.groupChat(ctx, chatID); err != nil {
		return models.Chat{}, err
	}
	name = content.Sanitize(name)
	updated, err := s.remote.UpdateChat(ctx, chatID, models.ChatPatch{GroupName: &name, GroupImage: &image})
	if err != nil {
		return models.Chat{}, s.fail(fmt.Errorf("update group: %w", err))
	}
	s.update(func() { s.upsertChat(updated) })
	return updated, nil
}

// AddMember adds uid to a group. Adding a present member is a no-op.
func (s *Store) AddMember(ctx context.Context, chatID, uid string) (models.Chat, error) {
	if _, err := s.groupChat(ctx, chatID); err != nil {
		return models.Chat{}, err
	}
	if err := s.remote.AddMember(ctx, chatID, uid); err != nil {
		return models.Chat{}, s.fail(fmt.Errorf("add member: %w", err))
	}

	chat, err := s.remote.GetChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, s.fail(fmt.Errorf("refresh chat after adding member: %w", err))
	}
	added, uerr := s.roster.user(ctx, uid)
	if uerr != nil {
		s.log.Warn("failed to resolve new member", "chat_id", chatID, "uid", uid, "error", uerr)
	}

	s.mu.Lock()
	chat.MembersData = s.membersData(chatID)
	if uerr == nil && uid != s.me.UID && !slices.ContainsFunc(chat.MembersData, func(u models.User) bool { return u.UID == uid }) {
		chat.MembersData = append(chat.MembersData, added)
	}
	s.upsertChat(chat)
	s.mu.Unlock()
	s.notify()
	return cloneChat(chat), nil
}

// RemoveMember removes uid from a group.
func (s *Store) RemoveMember(ctx context.Context, chatID, uid string) error {
	if _, err := s.groupChat(ctx, chatID); err != nil {
		return err
	}
	if err := s.remote.RemoveMember(ctx, chatID, uid); err != nil {
		return s.fail(fmt.Errorf("remove member: %w", err))
	}

	chat, err := s.remote.GetChat(ctx, chatID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		s.log.Warn("failed to refresh chat after member removal", "chat_id", chatID, "error", err)
		return nil
	}

	release := func() {}
	s.mu.Lock()
	if err != nil || uid == s.me.UID {
		release = s.dropChat(chatID)
	} else {
		chat.MembersData = slices.DeleteFunc(s.membersData(chatID), func(u models.User) bool { return u.UID == uid })
		s.upsertChat(chat)
	}
	s.mu.Unlock()
	release()
	s.notify()
	return nil
}

func (s *Store) membersData(chatID string) []models.User {
	if i := s.chatIndex(chatID); i >= 0 {
		return slices.Clone(s.state.Chats[i].MembersData)
	}
	return nil
}

// LeaveGroup removes the local user from a group and drops it from local state.
func (s *Store) LeaveGroup(ctx context.Context, chatID string) error {
	return s.RemoveMember(ctx, chatID, s.me.UID)
}

// Settings are the per-chat ephemeral content options. Nil fields are left unchanged.
type Settings struct {
	DisappearingDuration *time.Duration
	// ExpiresAt applies to groups only. The zero time clears the expiry.
	ExpiresAt *time.Time
}

func (s *Store) UpdateSettings(ctx context.Context, chatID string, settings Settings) (models.Chat, error) {
	var patch models.ChatPatch
	if settings.DisappearingDuration != nil {
		if *settings.DisappearingDuration < 0 {
			return models.Chat{}, fmt.Errorf("%w: negative disappearing duration", models.ErrInvalidChat)
		}
		ms := settings.DisappearingDuration.Milliseconds()
		patch.DisappearingDuration = &ms
	}
	if settings.ExpiresAt != nil {
		var ms int64
		if !settings.ExpiresAt.IsZero() {
			ms = settings.ExpiresAt.UnixMilli()
		}
		patch.ExpiresAt = &ms
	}

	updated, err := s.remote.UpdateChat(ctx, chatID, patch)
	if err != nil {
		return models.Chat{}, s.fail(fmt.Errorf("update settings: %w", err))
	}
	s.update(func() { s.upsertChat(updated) })
	return updated, nil
}

// SearchUsers looks up users by display name, excluding the local user.
func (s *Store) SearchUsers(ctx context.Context, term string) ([]models.User, error) {
	users, err := s.remote.SearchUsers(ctx, term)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(users, func(u models.User) bool { return u.UID == s.me.UID }), nil
}
