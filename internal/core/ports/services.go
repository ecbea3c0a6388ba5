package ports

import (
	"context"

	"callkit/internal/core/domain"
)

// MediaEngine is the boundary to the peer-to-peer media engine for one call.
// It holds no protocol state; all call authority lives in the coordinator
// and the session state machine.
type MediaEngine interface {
	// CreateOffer acquires local tracks for the wanted kind and returns the
	// local offer. The returned description's MediaKind reflects the tracks
	// actually acquired, which may be audio when a camera is unavailable.
	CreateOffer(ctx context.Context, kind domain.MediaKind) (*domain.Description, error)
	// CreateAnswer applies the remote offer, acquires local tracks and
	// returns the local answer, again with MediaKind derived from the tracks
	// actually attached rather than from the caller's request.
	CreateAnswer(ctx context.Context, offer *domain.Description) (*domain.Description, error)
	// AcceptAnswer applies the remote answer on the offering side.
	AcceptAnswer(ctx context.Context, answer *domain.Description) error
	// AddCandidate feeds one dedup-admitted remote candidate to the engine.
	AddCandidate(ctx context.Context, cand *domain.Candidate) error

	// OnLocalCandidate registers the callback invoked for every locally
	// discovered candidate. Must be set before CreateOffer/CreateAnswer.
	OnLocalCandidate(fn func(payload, sdpMid string, sdpMLineIndex uint16))
	// OnFatal registers the callback for unrecoverable engine failures.
	OnFatal(fn func(err error))

	SetMuted(muted bool)
	SetCameraEnabled(enabled bool)

	// Close releases local capture tracks synchronously and tears down the
	// connection. Safe to call more than once.
	Close() error
}

// MediaEngineFactory builds one engine per call attempt.
type MediaEngineFactory func(ctx context.Context) (MediaEngine, error)

// CallCoordinator is the single process-wide authority on the current call.
type CallCoordinator interface {
	StartCall(ctx context.Context, callee domain.UserID, kind domain.MediaKind) (*domain.CallSession, error)
	AcceptIncoming(ctx context.Context) error
	Decline(ctx context.Context) error
	HangUp(ctx context.Context) error
	SetMuted(muted bool)
	SetCameraEnabled(enabled bool)
	// ObserveState returns a subscription to the UI state stream plus its
	// cancel func. The current state is delivered immediately.
	ObserveState() (<-chan domain.CallUIState, func())
	Close() error
}
