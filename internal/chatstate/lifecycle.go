package chatstate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"chatsync/internal/models"

	"golang.org/x/sync/errgroup"
)

const seenConcurrency = 8

var (
	ErrNoChat  = errors.New("no chat selected")
	ErrNoMedia = errors.New("no media store for attachments")
)

// Send shows the message immediately as pending, uploads the attachment if any,
// then writes the message and the chat summary. Only the send's own pending
// entry is removed when it resolves.
func (s *Store) Send(ctx context.Context, d Draft) (models.Message, error) {
	text := strings.TrimSpace(d.Content)
	hasAttachment := d.Attachment != nil && len(d.Attachment.Data) > 0
	if text == "" && !hasAttachment {
		return models.Message{}, models.ErrEmptyMessage
	}
	if hasAttachment && s.media == nil {
		return models.Message{}, ErrNoMedia
	}

	s.mu.Lock()
	chatID := d.ChatID
	if chatID == "" && s.state.Current != nil {
		chatID = s.state.Current.ID
	}
	if chatID == "" {
		s.mu.Unlock()
		return models.Message{}, ErrNoChat
	}
	now := s.now().UnixMilli()
	temp := models.Message{
		ID:        "temp-" + s.newID(),
		ChatID:    chatID,
		SenderID:  s.me.UID,
		Content:   text,
		Timestamp: now,
		SeenBy:    []models.SeenEntry{},
		ReplyTo:   d.ReplyTo,
		Status:    models.MessageStatusPending,
	}
	s.pending = append(s.pending, temp)
	s.rebuild()
	s.mu.Unlock()
	s.notify()

	msg := models.Message{
		ChatID:   chatID,
		SenderID: s.me.UID,
		Content:  text,
		ReplyTo:  d.ReplyTo,
	}
	if hasAttachment {
		path := fmt.Sprintf("chat_images/%s/%d_%s", chatID, now, d.Attachment.Name)
		url, err := s.media.Upload(ctx, d.Attachment.Data, path)
		if err != nil {
			return models.Message{}, s.dropPending(temp.ID, fmt.Errorf("upload attachment: %w", err))
		}
		msg.ImageURL = url
	}

	saved, err := s.remote.AddMessage(ctx, msg)
	if err != nil {
		return models.Message{}, s.dropPending(temp.ID, fmt.Errorf("send message: %w", err))
	}

	summary := models.Summary(saved)
	if _, err := s.remote.UpdateChat(ctx, chatID, models.ChatPatch{
		LastMessage:   &summary,
		LastMessageAt: &saved.Timestamp,
	}); err != nil {
		s.log.Warn("failed to update chat summary", "chat_id", chatID, "error", err)
	}

	s.update(func() {
		s.removePending(temp.ID)
		// Keep the message visible until the next snapshot carries it.
		if chatID == s.msgChatID && !slices.ContainsFunc(s.confirmed, func(m models.Message) bool { return m.ID == saved.ID }) {
			s.confirmed = append(slices.Clone(s.confirmed), saved)
		}
		s.rebuild()
	})
	return saved, nil
}

func (s *Store) removePending(tempID string) {
	s.pending = slices.DeleteFunc(s.pending, func(m models.Message) bool { return m.ID == tempID })
}

func (s *Store) dropPending(tempID string, err error) error {
	s.update(func() {
		s.removePending(tempID)
		s.state.CommandErr = err
		s.rebuild()
	})
	return err
}

// ownConfirmed returns the confirmed message id of the current chat if the local
// user may change it. Callers hold mu.
func (s *Store) ownConfirmed(id string) (models.Message, error) {
	if slices.ContainsFunc(s.pending, func(m models.Message) bool { return m.ID == id }) {
		return models.Message{}, models.ErrNotConfirmed
	}
	i := slices.IndexFunc(s.confirmed, func(m models.Message) bool { return m.ID == id })
	if i < 0 {
		return models.Message{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	msg := s.confirmed[i]
	if _, ok := s.deleting[id]; ok {
		return models.Message{}, models.ErrNotConfirmed
	}
	if msg.SenderID != s.me.UID {
		return models.Message{}, models.ErrNotOwner
	}
	return msg, nil
}

// Edit replaces the content of one of the local user's confirmed messages.
// Local state changes only after the write succeeds.
func (s *Store) Edit(ctx context.Context, id, newContent string) (models.Message, error) {
	s.mu.Lock()
	msg, err := s.ownConfirmed(id)
	s.mu.Unlock()
	if err != nil {
		return models.Message{}, err
	}

	text := strings.TrimSpace(newContent)
	if text == "" && msg.ImageURL == "" {
		return models.Message{}, models.ErrEmptyMessage
	}

	edited, err := s.remote.EditMessage(ctx, msg.ChatID, id, text)
	if err != nil {
		return models.Message{}, s.fail(fmt.Errorf("edit message: %w", err))
	}

	s.update(func() {
		if i := slices.IndexFunc(s.confirmed, func(m models.Message) bool { return m.ID == id }); i >= 0 {
			s.confirmed = slices.Clone(s.confirmed)
			s.confirmed[i] = edited
			s.rebuild()
		}
	})
	return edited, nil
}

// Delete greys out one of the local user's confirmed messages while the delete is
// in flight. On failure only that message's deleting flag is cleared.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	msg, err := s.ownConfirmed(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.deleting[id] = struct{}{}
	s.rebuild()
	s.mu.Unlock()
	s.notify()

	err = s.remote.DeleteMessage(ctx, msg.ChatID, id)

	s.update(func() {
		delete(s.deleting, id)
		if err != nil {
			s.state.CommandErr = fmt.Errorf("delete message: %w", err)
		} else {
			s.confirmed = slices.DeleteFunc(slices.Clone(s.confirmed), func(m models.Message) bool { return m.ID == id })
		}
		s.rebuild()
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// MarkSeen records the local user in seenBy of every message of the current chat
// that lacks it.
func (s *Store) MarkSeen(ctx context.Context) error {
	s.mu.Lock()
	chatID := s.msgChatID
	msgs := slices.Clone(s.confirmed)
	s.mu.Unlock()
	if chatID == "" {
		return ErrNoChat
	}
	return s.markSeen(ctx, chatID, msgs)
}

func (s *Store) markSeen(ctx context.Context, chatID string, msgs []models.Message) error {
	s.mu.Lock()
	var todo []models.Message
	for _, m := range msgs {
		if m.Status != models.MessageStatusConfirmed || m.SeenByUser(s.me.UID) {
			continue
		}
		if _, ok := s.deleting[m.ID]; ok {
			continue
		}
		key := chatID + "/" + m.ID
		if _, ok := s.seenInFlight[key]; ok {
			continue
		}
		s.seenInFlight[key] = struct{}{}
		todo = append(todo, m)
	}
	s.mu.Unlock()
	if len(todo) == 0 {
		return nil
	}

	entry := models.SeenEntry{UID: s.me.UID, SeenAt: s.now().UnixMilli()}
	var g errgroup.Group
	g.SetLimit(seenConcurrency)
	for _, m := range todo {
		g.Go(func() error {
			defer func() {
				s.mu.Lock()
				delete(s.seenInFlight, chatID+"/"+m.ID)
				s.mu.Unlock()
			}()
			if err := s.remote.AppendSeen(ctx, chatID, m.ID, entry); err != nil && !errors.Is(err, models.ErrNotFound) {
				return fmt.Errorf("mark %s seen: %w", m.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
