package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatsync/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type SubscriptionStore interface {
	ListPushSubscriptions(uid string) ([]models.PushSubscription, error)
	DeletePushSubscription(uid, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact (mailto: or https:) sent to push services.
	Subscriber string
	TTL        time.Duration
}

// Payload is the JSON body delivered to the service worker.
type Payload struct {
	Kind   string `json:"kind"`
	CallID string `json:"callId"`
	From   string `json:"from"`
	Media  string `json:"media"`
}

type sendFunc func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Pusher delivers incoming-call notifications over Web Push. Endpoints that the
// push service reports as gone are unregistered.
type Pusher struct {
	store SubscriptionStore
	cfg   Config
	send  sendFunc
	log   *slog.Logger
}

func NewPusher(store SubscriptionStore, cfg Config, logger *slog.Logger) *Pusher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	return &Pusher{
		store: store,
		cfg:   cfg,
		send:  webpush.SendNotificationWithContext,
		log:   logger.With("component", "notify"),
	}
}

func (p *Pusher) NotifyIncomingCall(ctx context.Context, call models.CallSession) error {
	body, err := json.Marshal(Payload{
		Kind:   "incoming-call",
		CallID: call.ID,
		From:   call.CallerID,
		Media:  string(call.Media),
	})
	if err != nil {
		return err
	}
	return p.Push(ctx, call.CalleeID, body)
}

// Push sends message to every endpoint uid has registered.
func (p *Pusher) Push(ctx context.Context, uid string, message []byte) error {
	subs, err := p.store.ListPushSubscriptions(uid)
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}

	opts := &webpush.Options{
		Subscriber:      p.cfg.Subscriber,
		VAPIDPublicKey:  p.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: p.cfg.VAPIDPrivateKey,
		TTL:             int(p.cfg.TTL.Seconds()),
		Urgency:         webpush.UrgencyHigh,
	}

	var errs []error
	for _, sub := range subs {
		resp, err := p.send(ctx, message, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{Auth: sub.Auth, P256dh: sub.P256dh},
		}, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", sub.Endpoint, err))
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			p.log.Info("removing expired push subscription", "uid", uid, "endpoint", sub.Endpoint)
			if err := p.store.DeletePushSubscription(uid, sub.Endpoint); err != nil {
				errs = append(errs, err)
			}
		case resp.StatusCode >= 400:
			errs = append(errs, fmt.Errorf("push to %s: status %d", sub.Endpoint, resp.StatusCode))
		}
	}
	return errors.Join(errs...)
}
