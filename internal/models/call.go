package models

import "fmt"

type CallStatus string

const (
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusEnded      CallStatus = "ended"
)

func (s CallStatus) rank() int {
	switch s {
	case CallStatusRinging:
		return 1
	case CallStatusInProgress:
		return 2
	case CallStatusEnded:
		return 3
	}
	return 0
}

// Before reports whether s comes strictly earlier than other in the call lifecycle.
func (s CallStatus) Before(other CallStatus) bool {
	return s.rank() < other.rank()
}

// CanTransition allows ringing -> in-progress and any live status -> ended.
func (s CallStatus) CanTransition(to CallStatus) bool {
	switch s {
	case CallStatusRinging:
		return to == CallStatusInProgress || to == CallStatusEnded
	case CallStatusInProgress:
		return to == CallStatusEnded
	}
	return false
}

type CallMedia string

const (
	CallMediaAudio CallMedia = "audio"
	CallMediaVideo CallMedia = "video"
)

// SessionDescription is an opaque SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d SessionDescription) Empty() bool {
	return d.SDP == ""
}

// CallSession is the signaling record two peers exchange through the store.
type CallSession struct {
	ID        string              `json:"id"`
	CallerID  string              `json:"callerId"`
	CalleeID  string              `json:"calleeId"`
	Media     CallMedia           `json:"media"`
	Offer     SessionDescription  `json:"offer"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Status    CallStatus          `json:"status"`
	CreatedAt int64               `json:"createdAt"` // Unix milliseconds
}

// CallUpdate is a guarded status change. Expect must match the stored status.
type CallUpdate struct {
	Expect CallStatus          `json:"expect"`
	Status CallStatus          `json:"status"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

// ApplyTo validates u against the current session and applies it.
func (u CallUpdate) ApplyTo(s *CallSession) error {
	if s.Status == CallStatusEnded {
		return ErrCallEnded
	}
	if u.Expect != "" && s.Status != u.Expect {
		return fmt.Errorf("%w: expected %s, found %s", ErrStatusConflict, u.Expect, s.Status)
	}
	if !s.Status.CanTransition(u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, u.Status)
	}
	if u.Answer != nil {
		if s.Offer.Empty() || s.Answer != nil || u.Status != CallStatusInProgress {
			return fmt.Errorf("%w: answer not accepted in %s", ErrInvalidTransition, s.Status)
		}
		answer := *u.Answer
		s.Answer = &answer
	}
	if u.Status == CallStatusInProgress && s.Answer == nil {
		return fmt.Errorf("%w: in-progress requires an answer", ErrInvalidTransition)
	}
	s.Status = u.Status
	return nil
}
