package ports

import (
	"context"
	"time"

	"callkit/internal/core/domain"
)

// SignalEvent is one push notification from the signaling store. Exactly one
// of Session or Candidate is set. The store redelivers current values on
// change and on (re)subscription; consumers must treat duplicates as normal.
type SignalEvent struct {
	Session   *domain.CallSession
	Candidate *domain.Candidate
}

// SignalStore is the shared, versioned record store both peers signal
// through. Delivery is at-least-once and order-lossy; writes to terminal
// sessions are rejected by the store itself so late effects of cancelled
// operations are discarded.
type SignalStore interface {
	CreateSession(ctx context.Context, session *domain.CallSession) error
	GetSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error)
	// UpdateSession persists an accepted transition. It fails with
	// domain.ErrSessionTerminal when the stored record is already terminal
	// and drops stale writes whose revision does not advance the record.
	// A terminal write over a live record always lands, even at an equal
	// revision, mirroring domain.Merge.
	UpdateSession(ctx context.Context, session *domain.CallSession) error
	// ActiveSessionForUser returns the single non-terminal session the user
	// participates in, or domain.ErrSessionNotFound.
	ActiveSessionForUser(ctx context.Context, user domain.UserID) (*domain.CallSession, error)

	AddCandidate(ctx context.Context, cand *domain.Candidate) error
	// Candidates lists the candidates recorded so far for one origin. Peers
	// pull this once the remote description is applied, covering candidates
	// written before their watch attached.
	Candidates(ctx context.Context, id domain.CallID, origin domain.CandidateOrigin) ([]*domain.Candidate, error)

	// Watch subscribes to one call's record. The current session value is
	// redelivered on subscribe and after every reconnect. The channel closes
	// when ctx is done.
	Watch(ctx context.Context, id domain.CallID) (<-chan SignalEvent, error)

	// WatchInbox subscribes to ringing sessions addressed to the user.
	// Existing ringing sessions are redelivered on subscribe, which is how a
	// client that missed the push notification still sees the call.
	WatchInbox(ctx context.Context, user domain.UserID) (<-chan *domain.CallSession, error)

	// Sweep support.
	FindRingingBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error)
	FindTerminalBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error)
	PurgeCandidates(ctx context.Context, id domain.CallID) error
	ArchiveSession(ctx context.Context, id domain.CallID) error
}
