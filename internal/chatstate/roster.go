package chatstate

import (
	"context"
	"log/slog"
	"time"

	"chatsync/internal/models"

	"github.com/c-pro/geche"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type userSource interface {
	GetUser(ctx context.Context, uid string) (models.User, error)
}

// roster resolves the display-only member list of chats. Concurrent fetches of the
// same user share one request, and resolved users are cached for ttl.
type roster struct {
	remote   userSource
	users    geche.Geche[string, models.User]
	inflight singleflight.Group
	log      *slog.Logger
}

func newRoster(ctx context.Context, remote userSource, ttl time.Duration, logger *slog.Logger) *roster {
	return &roster{
		remote: remote,
		users:  geche.NewMapTTLCache[string, models.User](ctx, ttl, ttl),
		log:    logger,
	}
}

func (r *roster) user(ctx context.Context, uid string) (models.User, error) {
	if u, err := r.users.Get(uid); err == nil {
		return u, nil
	}
	v, err, _ := r.inflight.Do(uid, func() (any, error) {
		if u, err := r.users.Get(uid); err == nil {
			return u, nil
		}
		u, err := r.remote.GetUser(ctx, uid)
		if err != nil {
			return models.User{}, err
		}
		r.users.Set(uid, u)
		return u, nil
	})
	if err != nil {
		return models.User{}, err
	}
	return v.(models.User), nil
}

// resolve fills MembersData for every chat with the members other than self.
// Users that cannot be fetched are left out.
func (r *roster) resolve(ctx context.Context, chats []models.Chat, self string) {
	var g errgroup.Group
	for i := range chats {
		g.Go(func() error {
			chat := &chats[i]
			others := make([]string, 0, len(chat.Members))
			for _, uid := range chat.Members {
				if uid != self {
					others = append(others, uid)
				}
			}

			data := make([]models.User, len(others))
			found := make([]bool, len(others))
			var mg errgroup.Group
			for j, uid := range others {
				mg.Go(func() error {
					u, err := r.user(ctx, uid)
					if err != nil {
						r.log.Warn("failed to resolve chat member", "chat_id", chat.ID, "uid", uid, "error", err)
						return nil
					}
					data[j], found[j] = u, true
					return nil
				})
			}
			_ = mg.Wait()

			chat.MembersData = chat.MembersData[:0]
			for j := range data {
				if found[j] {
					chat.MembersData = append(chat.MembersData, data[j])
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}
