package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CallID string
type UserID string

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type CallStatus string

const (
	StatusRinging  CallStatus = "ringing"
	StatusActive   CallStatus = "active"
	StatusDeclined CallStatus = "declined"
	StatusMissed   CallStatus = "missed"
	StatusBusy     CallStatus = "busy"
	StatusEnded    CallStatus = "ended"
)

// IsTerminal reports whether no further status transition is permitted.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusDeclined, StatusMissed, StatusBusy, StatusEnded:
		return true
	}
	return false
}

type EndReason string

const (
	EndReasonNone         EndReason = ""
	EndReasonCallerHangup EndReason = "caller_hangup"
	EndReasonCalleeHangup EndReason = "callee_hangup"
	EndReasonDeclined     EndReason = "declined"
	EndReasonTimeout      EndReason = "timeout"
	EndReasonBusy         EndReason = "busy"
	EndReasonError        EndReason = "error"
)

// DescriptionKind tags a negotiation description as offer or answer.
type DescriptionKind string

const (
	DescriptionOffer  DescriptionKind = "offer"
	DescriptionAnswer DescriptionKind = "answer"
)

// Description is a negotiation payload (SDP plus the media kind the sender
// actually attached). It is schema-checked at the transport boundary so
// malformed records never reach the state machine.
type Description struct {
	Kind      DescriptionKind `json:"kind"`
	SDP       string          `json:"sdp"`
	MediaKind MediaKind       `json:"media_kind"`
}

func (d *Description) Validate() error {
	if d == nil {
		return nil
	}
	if d.Kind != DescriptionOffer && d.Kind != DescriptionAnswer {
		return fmt.Errorf("description kind %q: %w", d.Kind, ErrMalformedRecord)
	}
	if d.SDP == "" {
		return fmt.Errorf("empty sdp: %w", ErrMalformedRecord)
	}
	if d.MediaKind != MediaAudio && d.MediaKind != MediaVideo {
		return fmt.Errorf("media kind %q: %w", d.MediaKind, ErrMalformedRecord)
	}
	return nil
}

// CallSession is the shared, versioned record both peers converge on. All
// inbound events merge into it idempotently; fields never regress once a
// terminal status is reached.
type CallSession struct {
	ID       CallID    `json:"id"`
	CallerID UserID    `json:"caller_id"`
	CalleeID UserID    `json:"callee_id"`
	Kind     MediaKind `json:"kind"`

	Status    CallStatus `json:"status"`
	EndReason EndReason  `json:"end_reason,omitempty"`

	Offer  *Description `json:"offer,omitempty"`
	Answer *Description `json:"answer,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// Revision increments on every accepted mutation so stores can reject
	// stale writes.
	Revision int64 `json:"revision"`
}

func NewCallSession(caller, callee UserID, kind MediaKind) *CallSession {
	return &CallSession{
		ID:        CallID(uuid.NewString()),
		CallerID:  caller,
		CalleeID:  callee,
		Kind:      kind,
		Status:    StatusRinging,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate rejects malformed records at the transport boundary.
func (s *CallSession) Validate() error {
	if s.ID == "" || s.CallerID == "" || s.CalleeID == "" {
		return fmt.Errorf("missing identity fields: %w", ErrMalformedRecord)
	}
	if s.Kind != MediaAudio && s.Kind != MediaVideo {
		return fmt.Errorf("media kind %q: %w", s.Kind, ErrMalformedRecord)
	}
	switch s.Status {
	case StatusRinging, StatusActive, StatusDeclined, StatusMissed, StatusBusy, StatusEnded:
	default:
		return fmt.Errorf("status %q: %w", s.Status, ErrMalformedRecord)
	}
	if s.Answer != nil && s.Offer == nil {
		return fmt.Errorf("answer without offer: %w", ErrMalformedRecord)
	}
	if err := s.Offer.Validate(); err != nil {
		return err
	}
	return s.Answer.Validate()
}

// Participant reports whether the given user is a party to this call.
func (s *CallSession) Participant(id UserID) bool {
	return id == s.CallerID || id == s.CalleeID
}

// PeerOf returns the other party of the call.
func (s *CallSession) PeerOf(id UserID) UserID {
	if id == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

// SamePair reports whether two sessions connect the same two users,
// regardless of direction. Used for glare detection.
func (s *CallSession) SamePair(other *CallSession) bool {
	return (s.CallerID == other.CallerID && s.CalleeID == other.CalleeID) ||
		(s.CallerID == other.CalleeID && s.CalleeID == other.CallerID)
}

// Clone returns a deep copy so transition logic never aliases store state.
func (s *CallSession) Clone() *CallSession {
	c := *s
	if s.Offer != nil {
		o := *s.Offer
		c.Offer = &o
	}
	if s.Answer != nil {
		a := *s.Answer
		c.Answer = &a
	}
	if s.AnsweredAt != nil {
		t := *s.AnsweredAt
		c.AnsweredAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
