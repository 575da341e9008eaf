package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatsync/internal/models"
	"chatsync/internal/storage"
	"chatsync/internal/syncer"

	"github.com/c-pro/geche"
)

// observedCalls bounds how many call statuses a Signaling remembers.
// The oldest entries are overwritten first.
const observedCalls = 256

// Notifier tells a callee about a call that has just started ringing.
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, call models.CallSession) error
}

// Signaling drives call sessions through ringing, in-progress and ended using the
// store as the relay between the two peers. Once a call is seen ended, every
// further mutation fails locally with models.ErrCallEnded.
type Signaling struct {
	remote   storage.Store
	feeds    *syncer.Syncer
	notifier Notifier
	log      *slog.Logger
	observed *geche.Locker[string, models.CallStatus]
}

// New returns a Signaling. notifier may be nil.
func New(remote storage.Store, notifier Notifier, logger *slog.Logger) *Signaling {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "calls")
	return &Signaling{
		remote:   remote,
		feeds:    syncer.New(remote, logger),
		notifier: notifier,
		log:      logger,
		observed: geche.NewLocker[string, models.CallStatus](geche.NewRingBuffer[string, models.CallStatus](observedCalls)),
	}
}

// observe records status unless it would move the call backwards.
// It reports whether status was accepted.
func (s *Signaling) observe(id string, status models.CallStatus) bool {
	tx := s.observed.Lock()
	defer tx.Unlock()
	if cur, err := tx.Get(id); err == nil && status.Before(cur) {
		return false
	}
	// RingBuffer.Set always takes a new slot, so update in place when present.
	if _, ok := tx.SetIfPresent(id, status); !ok {
		tx.Set(id, status)
	}
	return true
}

func (s *Signaling) status(id string) (models.CallStatus, bool) {
	tx := s.observed.Lock()
	defer tx.Unlock()
	cur, err := tx.Get(id)
	return cur, err == nil
}

// Start creates a ringing call from caller to callee carrying offer.
func (s *Signaling) Start(ctx context.Context, caller, callee string, media models.CallMedia, offer models.SessionDescription) (models.CallSession, error) {
	if offer.Empty() {
		return models.CallSession{}, fmt.Errorf("%w: call needs an offer", models.ErrInvalidTransition)
	}
	call, err := s.remote.CreateCall(ctx, models.CallSession{
		CallerID: caller,
		CalleeID: callee,
		Media:    media,
		Offer:    offer,
	})
	if err != nil {
		return models.CallSession{}, fmt.Errorf("start call: %w", err)
	}
	s.observe(call.ID, call.Status)

	if s.notifier != nil {
		if err := s.notifier.NotifyIncomingCall(ctx, call); err != nil {
			s.log.Warn("failed to notify callee", "call_id", call.ID, "callee", callee, "error", err)
		}
	}
	return call, nil
}

// Accept answers a ringing call and moves it to in-progress.
func (s *Signaling) Accept(ctx context.Context, callID string, answer models.SessionDescription) (models.CallSession, error) {
	if answer.Empty() {
		return models.CallSession{}, fmt.Errorf("%w: empty answer", models.ErrInvalidTransition)
	}
	return s.transition(ctx, callID, models.CallUpdate{
		Expect: models.CallStatusRinging,
		Status: models.CallStatusInProgress,
		Answer: &answer,
	})
}

// Decline ends a call that is still ringing.
func (s *Signaling) Decline(ctx context.Context, callID string) (models.CallSession, error) {
	return s.transition(ctx, callID, models.CallUpdate{
		Expect: models.CallStatusRinging,
		Status: models.CallStatusEnded,
	})
}

// End hangs up a call in any live status.
func (s *Signaling) End(ctx context.Context, callID string) (models.CallSession, error) {
	for attempt := 0; ; attempt++ {
		cur, ok := s.status(callID)
		if !ok {
			call, err := s.remote.GetCall(ctx, callID)
			if err != nil {
				return models.CallSession{}, err
			}
			s.observe(call.ID, call.Status)
			cur = call.Status
		}
		call, err := s.transition(ctx, callID, models.CallUpdate{Expect: cur, Status: models.CallStatusEnded})
		// The peer may have answered between our read and write.
		if errors.Is(err, models.ErrStatusConflict) && attempt == 0 {
			continue
		}
		return call, err
	}
}

func (s *Signaling) transition(ctx context.Context, callID string, update models.CallUpdate) (models.CallSession, error) {
	if cur, ok := s.status(callID); ok {
		if cur == models.CallStatusEnded {
			return models.CallSession{}, models.ErrCallEnded
		}
		if cur != update.Expect {
			return models.CallSession{}, fmt.Errorf("%w: call is %s", models.ErrInvalidTransition, cur)
		}
	}

	call, err := s.remote.UpdateCall(ctx, callID, update)
	switch {
	case err == nil:
		s.observe(call.ID, call.Status)
		return call, nil
	case errors.Is(err, models.ErrCallEnded):
		s.observe(callID, models.CallStatusEnded)
	case errors.Is(err, models.ErrStatusConflict):
		if fresh, gerr := s.remote.GetCall(ctx, callID); gerr == nil {
			s.observe(fresh.ID, fresh.Status)
		}
	}
	return models.CallSession{}, fmt.Errorf("update call %s: %w", callID, err)
}

// Watch follows one call. Updates never move backwards, and the watch closes
// after delivering the ended state.
func (s *Signaling) Watch(ctx context.Context, callID string) (*Watch, error) {
	stream, err := s.feeds.SubscribeCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	w := &Watch{
		stream:  stream,
		updates: make(chan syncer.Event[models.CallSession], 1),
	}
	go func() {
		defer close(w.updates)
		defer stream.Close()
		for ev := range stream.Events() {
			if ev.Err != nil {
				storage.SendLatest(w.updates, syncer.Event[models.CallSession]{Err: ev.Err})
				return
			}
			if !ev.Snapshot.Exists {
				continue
			}
			call := ev.Snapshot.Call
			if !s.observe(call.ID, call.Status) {
				s.log.Debug("ignoring stale call snapshot", "call_id", call.ID, "status", call.Status)
				continue
			}
			storage.SendLatest(w.updates, syncer.Event[models.CallSession]{Snapshot: call})
			if call.Status == models.CallStatusEnded {
				return
			}
		}
	}()
	return w, nil
}

// Incoming streams ringing calls addressed to uid.
func (s *Signaling) Incoming(ctx context.Context, uid string) (*syncer.Stream[[]models.CallSession], error) {
	return s.feeds.SubscribeIncomingCalls(ctx, uid)
}

type Watch struct {
	stream  *syncer.Stream[syncer.CallSnapshot]
	updates chan syncer.Event[models.CallSession]
}

func (w *Watch) Updates() <-chan syncer.Event[models.CallSession] {
	return w.updates
}

// Close stops the watch. It is safe to call more than once.
func (w *Watch) Close() {
	w.stream.Close()
}
