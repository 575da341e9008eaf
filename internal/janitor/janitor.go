package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/models"
)

// Store is the part of the document store the sweeps need.
type Store interface {
	ListChats(ctx context.Context) ([]models.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]models.Message, error)
	DeleteMessage(ctx context.Context, chatID, id string) error
	DeleteChat(ctx context.Context, id string) error
}

// MediaRemover deletes the uploaded media behind a message attachment URL.
type MediaRemover interface {
	DeleteURL(ctx context.Context, url string) error
}

// Report counts the records a sweep removed.
type Report struct {
	Chats    int `json:"chats"`
	Messages int `json:"messages"`
}

func (r *Report) add(other Report) {
	r.Chats += other.Chats
	r.Messages += other.Messages
}

type Option func(*Janitor)

func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(j *Janitor) { j.log = logger }
}

// WithMedia makes sweeps delete the attachments of the messages they remove.
func WithMedia(media MediaRemover) Option {
	return func(j *Janitor) { j.media = media }
}

// Janitor removes expired groups and disappearing messages. Sweeps hold no
// locks and are safe to re-run after an interruption.
type Janitor struct {
	store Store
	media MediaRemover
	now   func() time.Time
	log   *slog.Logger
}

func New(store Store, opts ...Option) *Janitor {
	j := &Janitor{
		store: store,
		now:   time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.log = j.log.With("component", "janitor")
	return j
}

// SweepExpiredGroups deletes every group whose expiry time has passed, messages
// first and the chat record last. Failures on one group do not stop the others.
func (j *Janitor) SweepExpiredGroups(ctx context.Context) (Report, error) {
	chats, err := j.store.ListChats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list chats: %w", err)
	}

	now := j.now()
	var (
		report Report
		errs   []error
	)
	for _, chat := range chats {
		if !chat.Expired(now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		removed, err := j.deleteMessages(ctx, chat.ID, func(models.Message) bool { return true })
		report.Messages += removed
		if err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", chat.ID, err))
			continue
		}
		if err := j.store.DeleteChat(ctx, chat.ID); err != nil {
			errs = append(errs, fmt.Errorf("group %s: delete chat: %w", chat.ID, err))
			continue
		}
		report.Chats++
		j.log.Info("expired group deleted", "chat_id", chat.ID, "messages", removed)
	}
	return report, errors.Join(errs...)
}

// SweepDisappearingMessages deletes messages older than their chat's
// disappearing duration. Chats with no duration are left alone.
func (j *Janitor) SweepDisappearingMessages(ctx context.Context) (Report, error) {
	chats, err := j.store.ListChats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list chats: %w", err)
	}

	now := j.now()
	var (
		report Report
		errs   []error
	)
	for _, chat := range chats {
		if chat.DisappearingDuration <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		removed, err := j.deleteMessages(ctx, chat.ID, func(m models.Message) bool {
			return chat.MessageExpired(m, now)
		})
		report.Messages += removed
		if err != nil {
			errs = append(errs, fmt.Errorf("chat %s: %w", chat.ID, err))
		}
		if removed > 0 {
			j.log.Debug("disappearing messages deleted", "chat_id", chat.ID, "messages", removed)
		}
	}
	return report, errors.Join(errs...)
}

// Sweep runs both sweeps.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	report, err := j.SweepExpiredGroups(ctx)
	msgs, merr := j.SweepDisappearingMessages(ctx)
	report.add(msgs)
	return report, errors.Join(err, merr)
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.log.Info("janitor started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := j.Sweep(ctx)
			if err != nil {
				j.log.Error("sweep failed", "error", err, "chats", report.Chats, "messages", report.Messages)
				continue
			}
			if report.Chats > 0 || report.Messages > 0 {
				j.log.Info("sweep finished", "chats", report.Chats, "messages", report.Messages)
			}
		}
	}
}

func (j *Janitor) deleteMessages(ctx context.Context, chatID string, match func(models.Message) bool) (int, error) {
	msgs, err := j.store.ListMessages(ctx, chatID)
	if errors.Is(err, models.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	removed := 0
	var errs []error
	for _, m := range msgs {
		if !match(m) {
			continue
		}
		if err := j.store.DeleteMessage(ctx, chatID, m.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete message %s: %w", m.ID, err))
			continue
		}
		removed++
		if m.ImageURL != "" && j.media != nil {
			if err := j.media.DeleteURL(ctx, m.ImageURL); err != nil {
				j.log.Warn("failed to delete attachment", "chat_id", chatID, "message_id", m.ID, "error", err)
			}
		}
	}
	return removed, errors.Join(errs...)
}
