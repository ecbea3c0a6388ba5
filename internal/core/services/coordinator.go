package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
	apperrors "callkit/pkg/errors"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Metrics is the observability hook the coordinator and sweeper publish
// through. monitoring.Collector implements it.
type Metrics interface {
	RecordCallStarted(kind domain.MediaKind)
	RecordCallOutcome(reason domain.EndReason)
	RecordRingDuration(d time.Duration)
	RecordCandidateDeduped()
	RecordSweepTransition()
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordCallStarted(domain.MediaKind)  {}
func (NopMetrics) RecordCallOutcome(domain.EndReason)  {}
func (NopMetrics) RecordRingDuration(time.Duration)    {}
func (NopMetrics) RecordCandidateDeduped()             {}
func (NopMetrics) RecordSweepTransition()              {}

var tracer = otel.Tracer("callkit/services")

// Coordinator is the single process-wide owner of the current call. Every UI
// surface issues intents through it and renders from ObserveState; no other
// component reads or writes session fields.
type Coordinator struct {
	self        domain.UserID
	store       ports.SignalStore
	newEngine   ports.MediaEngineFactory
	metrics     Metrics
	logger      *zap.SugaredLogger
	ringTimeout time.Duration

	mu        sync.Mutex
	session   *domain.CallSession
	engine    ports.MediaEngine
	filter    *CandidateFilter
	pending   []*domain.Candidate // admitted before the engine existed
	watchStop context.CancelFunc
	ringTimer *time.Timer
	answered  bool // remote answer applied to the engine (caller side)

	subMu   sync.Mutex
	subs    map[int]chan domain.CallUIState
	nextSub int
	state   domain.CallUIState

	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var (
	coordinatorOnce  sync.Once
	coordinatorBuilt bool
)

// ErrCoordinatorExists is returned by Init when a coordinator was already
// constructed in this process.
var ErrCoordinatorExists = errors.New("call coordinator already constructed")

// Init constructs the process-wide coordinator exactly once. A second
// coordinator instance is the root cause of the "incoming call invisible on
// some screens" defect class, so construction is guarded here rather than by
// convention. Tests that need several peers in one process use
// NewCoordinator directly.
func Init(self domain.UserID, store ports.SignalStore, factory ports.MediaEngineFactory, metrics Metrics, logger *zap.SugaredLogger, ringTimeout time.Duration) (*Coordinator, error) {
	var c *Coordinator
	coordinatorOnce.Do(func() {
		c = NewCoordinator(self, store, factory, metrics, logger, ringTimeout)
		coordinatorBuilt = true
	})
	if c == nil && coordinatorBuilt {
		return nil, ErrCoordinatorExists
	}
	return c, nil
}

func NewCoordinator(self domain.UserID, store ports.SignalStore, factory ports.MediaEngineFactory, metrics Metrics, logger *zap.SugaredLogger, ringTimeout time.Duration) *Coordinator {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		self:        self,
		store:       store,
		newEngine:   factory,
		metrics:     metrics,
		logger:      logger,
		ringTimeout: ringTimeout,
		filter:      NewCandidateFilter(),
		subs:        make(map[int]chan domain.CallUIState),
		state:       domain.CallUIState{Phase: domain.PhaseIdle},
		lifetime:    ctx,
		cancel:      cancel,
	}
	c.wg.Add(1)
	go c.runInbox()
	return c
}

// StartCall creates an outbound ringing session. Exactly one non-terminal
// session may be owned at a time.
func (c *Coordinator) StartCall(ctx context.Context, callee domain.UserID, kind domain.MediaKind) (*domain.CallSession, error) {
	ctx, span := tracer.Start(ctx, "coordinator.start_call")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && !c.session.Status.IsTerminal() {
		return nil, domain.ErrAlreadyInCall
	}
	if existing, err := c.store.ActiveSessionForUser(ctx, c.self); err == nil && existing != nil {
		return nil, domain.ErrAlreadyInCall
	}

	engine, err := c.newEngine(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to build media engine")
	}

	session := domain.NewCallSession(c.self, callee, kind)

	engine.OnLocalCandidate(c.localCandidateSink(session.ID, domain.OriginCaller))
	engine.OnFatal(c.fatalSink(session.ID))

	offer, err := engine.CreateOffer(ctx, kind)
	if err != nil {
		engine.Close()
		return nil, apperrors.Wrap(domain.ErrMediaUnavailable, apperrors.ErrCodeResource, "failed to create offer")
	}
	// The requested kind may degrade to what was actually acquired.
	session.Kind = offer.MediaKind
	session.Offer = offer

	// Glare: the peer may be calling us at this very moment. The session
	// with the lexicographically larger id resolves to busy on its own
	// creator's side, deterministically, before the callee ever sees it.
	if peerSess, err := c.store.ActiveSessionForUser(ctx, callee); err == nil && peerSess != nil &&
		peerSess.Status == domain.StatusRinging && peerSess.SamePair(session) {
		if domain.ResolveGlareLoser(session, peerSess) == session {
			busy, _ := domain.Apply(session, domain.Event{Type: domain.EventBusy})
			if err := c.store.CreateSession(ctx, busy); err != nil {
				c.logger.Warnw("failed to persist glare-busy session", "call_id", session.ID, "error", err)
			}
			engine.Close()
			c.metrics.RecordCallOutcome(domain.EndReasonBusy)
			c.logger.Infow("glare resolved to busy",
				"call_id", session.ID, "surviving_call_id", peerSess.ID)
			// The surviving inbound call surfaces through the inbox watch.
			c.broadcast(domain.CallUIState{
				Phase:     domain.PhaseEnded,
				CallID:    busy.ID,
				PeerID:    callee,
				Kind:      busy.Kind,
				EndReason: domain.EndReasonBusy,
			})
			return busy.Clone(), nil
		}
	}

	if err := c.store.CreateSession(ctx, session); err != nil {
		engine.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "failed to create call session")
	}

	c.adoptLocked(session, engine)
	c.startRingTimerLocked(session.ID)
	c.metrics.RecordCallStarted(session.Kind)
	c.logger.Infow("call started",
		"call_id", session.ID, "callee", callee, "kind", session.Kind)
	c.publishLocked()
	return session.Clone(), nil
}

// AcceptIncoming answers the currently ringing inbound call. The answer's
// media kind is derived from the local tracks that were actually acquired,
// never from the caller's requested kind or cached intent.
func (c *Coordinator) AcceptIncoming(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "coordinator.accept_incoming")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || s.Status != domain.StatusRinging || s.CalleeID != c.self {
		return domain.ErrNoIncomingCall
	}

	engine, err := c.newEngine(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to build media engine")
	}
	engine.OnLocalCandidate(c.localCandidateSink(s.ID, domain.OriginCallee))
	engine.OnFatal(c.fatalSink(s.ID))

	c.setPhaseLocked(domain.PhaseConnecting)

	answer, err := engine.CreateAnswer(ctx, s.Offer)
	if err != nil {
		engine.Close()
		c.failLocked(ctx, fmt.Errorf("failed to create answer: %w", domain.ErrMediaUnavailable))
		return apperrors.Wrap(domain.ErrMediaUnavailable, apperrors.ErrCodeResource, "failed to create answer")
	}

	next, changed := domain.Apply(s, domain.Event{Type: domain.EventAccept, Actor: c.self, Answer: answer})
	if !changed {
		engine.Close()
		return domain.ErrNoIncomingCall
	}
	if err := c.store.UpdateSession(ctx, next); err != nil {
		engine.Close()
		if errors.Is(err, domain.ErrSessionTerminal) {
			// The caller hung up or the sweep timed us out concurrently;
			// the watcher will observe the terminal record.
			return domain.ErrNoIncomingCall
		}
		return apperrors.Wrap(err, apperrors.ErrCodeTransport, "failed to write answer")
	}

	c.session = next
	c.engine = engine
	c.answered = true
	c.flushPendingLocked(ctx)
	c.pullCandidatesLocked(ctx, next.ID, domain.OriginCaller)
	c.metrics.RecordRingDuration(next.AnsweredAt.Sub(next.CreatedAt))
	c.logger.Infow("call accepted",
		"call_id", next.ID, "answer_kind", answer.MediaKind)
	c.publishLocked()
	return nil
}

// Decline rejects the currently ringing inbound call. No-op without one.
func (c *Coordinator) Decline(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil || s.Status != domain.StatusRinging || s.CalleeID != c.self {
		return nil
	}
	c.transitionLocked(ctx, domain.Event{Type: domain.EventDecline, Actor: c.self})
	return nil
}

// HangUp ends the owned call, cancelling any in-flight negotiation. No-op
// without a non-terminal session.
func (c *Coordinator) HangUp(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.Status.IsTerminal() {
		return nil
	}
	c.transitionLocked(ctx, domain.Event{Type: domain.EventHangup, Actor: c.self})
	return nil
}

// SetMuted toggles the local microphone on the live call. No-op without an
// engine.
func (c *Coordinator) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine != nil {
		c.engine.SetMuted(muted)
	}
}

// SetCameraEnabled toggles the local camera track on the live call.
func (c *Coordinator) SetCameraEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine != nil {
		c.engine.SetCameraEnabled(enabled)
	}
}

// CurrentSession returns a snapshot of the owned session, terminal or not,
// or nil when no call has happened yet.
func (c *Coordinator) CurrentSession() *domain.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.Clone()
}

// ObserveState subscribes to the UI state stream. The current state is
// delivered immediately; cancel releases the subscription.
func (c *Coordinator) ObserveState() (<-chan domain.CallUIState, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan domain.CallUIState, 8)
	ch <- c.state
	c.subs[id] = ch

	cancel := func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close tears down the coordinator, hanging up any live call.
func (c *Coordinator) Close() error {
	c.HangUp(context.Background())
	c.cancel()
	c.wg.Wait()

	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()
	return nil
}

// transitionLocked applies a local event, persists it and tears down on
// terminal outcomes. Callers hold c.mu.
func (c *Coordinator) transitionLocked(ctx context.Context, ev domain.Event) {
	next, changed := domain.Apply(c.session, ev)
	if !changed {
		return
	}
	if err := c.store.UpdateSession(ctx, next); err != nil && !errors.Is(err, domain.ErrSessionTerminal) {
		c.logger.Warnw("failed to persist transition",
			"call_id", next.ID, "event", ev.Type, "error", err)
	}
	c.session = next
	if next.Status.IsTerminal() {
		c.teardownLocked(next.EndReason)
	}
	c.publishLocked()
}

// adoptLocked installs a session as the current call and starts its single
// transport listener.
func (c *Coordinator) adoptLocked(session *domain.CallSession, engine ports.MediaEngine) {
	c.session = session
	c.engine = engine
	c.answered = false
	c.pending = nil

	watchCtx, stop := context.WithCancel(c.lifetime)
	c.watchStop = stop
	c.wg.Add(1)
	go c.runWatch(watchCtx, session.ID)
}

// teardownLocked releases everything owned on behalf of the current call:
// the media engine's capture tracks, the dedup keys, the transport listener
// and the ring timer. Runs on terminal transitions, not on UI navigation.
func (c *Coordinator) teardownLocked(reason domain.EndReason) {
	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			c.logger.Warnw("failed to close media engine", "error", err)
		}
		c.engine = nil
	}
	if c.session != nil {
		c.filter.Release(c.session.ID)
	}
	if c.watchStop != nil {
		c.watchStop()
		c.watchStop = nil
	}
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	c.pending = nil
	c.answered = false
	c.metrics.RecordCallOutcome(reason)
	c.logger.Infow("call torn down", "reason", reason)
}

func (c *Coordinator) startRingTimerLocked(id domain.CallID) {
	c.ringTimer = time.AfterFunc(c.ringTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session == nil || c.session.ID != id {
			return
		}
		// Concurrent path to the same outcome as the cleanup sweep.
		c.transitionLocked(context.Background(), domain.Event{Type: domain.EventRingTimeout})
	})
}

func (c *Coordinator) failLocked(ctx context.Context, err error) {
	c.logger.Errorw("call failed", "call_id", c.session.ID, "error", err)
	c.transitionLocked(ctx, domain.Event{Type: domain.EventMediaFailure})
}

func (c *Coordinator) localCandidateSink(id domain.CallID, origin domain.CandidateOrigin) func(string, string, uint16) {
	return func(payload, sdpMid string, sdpMLineIndex uint16) {
		cand := &domain.Candidate{
			SessionID:     id,
			Origin:        origin,
			Payload:       payload,
			SDPMid:        sdpMid,
			SDPMLineIndex: sdpMLineIndex,
		}
		if err := c.store.AddCandidate(c.lifetime, cand); err != nil {
			c.logger.Warnw("failed to publish local candidate", "call_id", id, "error", err)
		}
	}
}

func (c *Coordinator) fatalSink(id domain.CallID) func(error) {
	return func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.session == nil || c.session.ID != id {
			return
		}
		c.failLocked(context.Background(), err)
	}
}

// runInbox watches for inbound ringing sessions for the whole coordinator
// lifetime, so an incoming call surfaces regardless of the visible screen.
func (c *Coordinator) runInbox() {
	defer c.wg.Done()

	for {
		ch, err := c.store.WatchInbox(c.lifetime, c.self)
		if err != nil {
			select {
			case <-c.lifetime.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		for session := range ch {
			c.handleInbound(session)
		}
		select {
		case <-c.lifetime.Done():
			return
		default:
			// Brief disconnect; resubscribe and rely on redelivery.
		}
	}
}

func (c *Coordinator) handleInbound(session *domain.CallSession) {
	if err := session.Validate(); err != nil {
		c.logger.Warnw("dropping malformed inbound session", "error", err)
		return
	}
	if session.CalleeID != c.self || session.Status != domain.StatusRinging {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && !c.session.Status.IsTerminal() {
		if c.session.ID == session.ID {
			return // redelivery of the call we already show
		}
		if c.session.SamePair(session) && c.session.Status == domain.StatusRinging {
			// Glare, seen from the side whose own outgoing call loses: drop
			// the outgoing session and surface the surviving inbound one.
			if domain.ResolveGlareLoser(c.session, session) == c.session {
				c.transitionLocked(c.lifetime, domain.Event{Type: domain.EventBusy})
			} else {
				return // our call survives; the peer busies theirs
			}
		} else {
			// Already on another call: resolve the new one to busy.
			busy, changed := domain.Apply(session, domain.Event{Type: domain.EventBusy})
			if changed {
				if err := c.store.UpdateSession(c.lifetime, busy); err != nil && !errors.Is(err, domain.ErrSessionTerminal) {
					c.logger.Warnw("failed to busy-out second call", "call_id", session.ID, "error", err)
				}
			}
			return
		}
	}

	c.adoptLocked(session, nil)
	c.logger.Infow("incoming call",
		"call_id", session.ID, "caller", session.CallerID, "kind", session.Kind)
	c.publishLocked()
}

// runWatch consumes one session's transport notifications. Exactly one watch
// runs per active session; it stops on terminal transition via teardown.
func (c *Coordinator) runWatch(ctx context.Context, id domain.CallID) {
	defer c.wg.Done()

	for {
		ch, err := c.store.Watch(ctx, id)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}
		for ev := range ch {
			c.handleSignal(ctx, id, ev)
		}
		select {
		case <-ctx.Done():
			return
		default:
			// Listener disconnect: resubscribe, redelivery makes it safe.
		}
	}
}

func (c *Coordinator) handleSignal(ctx context.Context, id domain.CallID, ev ports.SignalEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.ID != id {
		return
	}

	switch {
	case ev.Session != nil:
		c.mergeRemoteLocked(ctx, ev.Session)
	case ev.Candidate != nil:
		c.admitCandidateLocked(ctx, ev.Candidate)
	}
}

func (c *Coordinator) mergeRemoteLocked(ctx context.Context, remote *domain.CallSession) {
	if err := remote.Validate(); err != nil {
		c.logger.Warnw("dropping malformed session record", "call_id", remote.ID, "error", err)
		return
	}
	merged, changed := domain.Merge(c.session, remote)
	if !changed {
		return
	}
	c.session = merged

	// Caller side: the answer's presence is the signal that negotiation may
	// proceed to connection.
	if merged.Status == domain.StatusActive && merged.Answer != nil &&
		c.self == merged.CallerID && c.engine != nil && !c.answered {
		c.answered = true
		if err := c.engine.AcceptAnswer(ctx, merged.Answer); err != nil {
			c.failLocked(ctx, fmt.Errorf("failed to apply remote answer: %w", err))
			return
		}
		if c.ringTimer != nil {
			c.ringTimer.Stop()
			c.ringTimer = nil
		}
		c.flushPendingLocked(ctx)
		c.pullCandidatesLocked(ctx, merged.ID, domain.OriginCallee)
	}

	if merged.Status.IsTerminal() {
		c.teardownLocked(merged.EndReason)
	}
	c.publishLocked()
}

func (c *Coordinator) admitCandidateLocked(ctx context.Context, cand *domain.Candidate) {
	// Candidates for a terminal session never reach the engine, even when
	// delivered late.
	if c.session.Status.IsTerminal() {
		return
	}
	if err := cand.Validate(); err != nil {
		c.logger.Warnw("dropping malformed candidate", "call_id", cand.SessionID, "error", err)
		return
	}
	if cand.Origin == c.localOrigin() {
		return // echo of our own write
	}
	if !c.filter.Admit(cand) {
		c.metrics.RecordCandidateDeduped()
		return
	}
	if c.engine == nil || !c.answered {
		// Observed before the remote description it logically follows. The
		// engine rejects candidates until that description is applied, and a
		// rejected add would burn the dedup key, so hold them until then.
		c.pending = append(c.pending, cand)
		return
	}
	if err := c.engine.AddCandidate(ctx, cand); err != nil {
		c.logger.Warnw("failed to add remote candidate", "call_id", cand.SessionID, "error", err)
	}
}

func (c *Coordinator) flushPendingLocked(ctx context.Context) {
	for _, cand := range c.pending {
		if err := c.engine.AddCandidate(ctx, cand); err != nil {
			c.logger.Warnw("failed to add buffered candidate", "call_id", cand.SessionID, "error", err)
		}
	}
	c.pending = nil
}

// pullCandidatesLocked fetches the peer's candidates recorded so far and runs
// them through the usual admission path. The watch stream redelivers on
// subscribe, but a candidate written between the session write and the watch
// attach would otherwise only arrive if the transport replays it; the filter
// keeps the overlap harmless.
func (c *Coordinator) pullCandidatesLocked(ctx context.Context, id domain.CallID, origin domain.CandidateOrigin) {
	cands, err := c.store.Candidates(ctx, id, origin)
	if err != nil {
		c.logger.Warnw("failed to fetch recorded candidates", "call_id", id, "error", err)
		return
	}
	for _, cand := range cands {
		c.admitCandidateLocked(ctx, cand)
	}
}

func (c *Coordinator) localOrigin() domain.CandidateOrigin {
	if c.session != nil && c.session.CallerID == c.self {
		return domain.OriginCaller
	}
	return domain.OriginCallee
}

func (c *Coordinator) setPhaseLocked(phase domain.CallPhase) {
	state := domain.CallUIState{Phase: phase}
	if s := c.session; s != nil {
		state.CallID = s.ID
		state.PeerID = s.PeerOf(c.self)
		state.Kind = s.Kind
	}
	c.broadcast(state)
}

// publishLocked derives the UI state from the current session and fans it
// out to every subscriber.
func (c *Coordinator) publishLocked() {
	s := c.session
	state := domain.CallUIState{Phase: domain.PhaseIdle}
	if s != nil {
		state.CallID = s.ID
		state.PeerID = s.PeerOf(c.self)
		state.Kind = s.Kind
		switch {
		case s.Status == domain.StatusRinging && s.CallerID == c.self:
			state.Phase = domain.PhaseOutgoingRinging
		case s.Status == domain.StatusRinging:
			state.Phase = domain.PhaseIncomingRinging
		case s.Status == domain.StatusActive:
			state.Phase = domain.PhaseActive
		case s.Status.IsTerminal():
			state.Phase = domain.PhaseEnded
			state.EndReason = s.EndReason
		}
	}
	c.broadcast(state)
}

func (c *Coordinator) broadcast(state domain.CallUIState) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.state = state
	for _, ch := range c.subs {
		select {
		case ch <- state:
		default:
			// Slow subscriber; it will catch up on the next change.
		}
	}
}
