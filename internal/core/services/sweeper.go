package services

import (
	"context"
	"errors"
	"time"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"

	"go.uber.org/zap"
)

// Sweeper is the background process that resolves unanswered rings to missed
// and bounds candidate storage for terminal sessions. It is the only
// component allowed to mutate sessions its own client neither created nor
// answered, and it goes through the same pure transition function, so the
// terminal-monotonicity rule holds here too.
type Sweeper struct {
	store     ports.SignalStore
	metrics   Metrics
	logger    *zap.SugaredLogger
	ringLimit time.Duration
	retention time.Duration
	interval  time.Duration
}

func NewSweeper(store ports.SignalStore, metrics Metrics, logger *zap.SugaredLogger, ringLimit, retention, interval time.Duration) *Sweeper {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Sweeper{
		store:     store,
		metrics:   metrics,
		logger:    logger,
		ringLimit: ringLimit,
		retention: retention,
		interval:  interval,
	}
}

// Run sweeps on a fixed interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs one ring-timeout pass and one retention pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweepRinging(ctx)
	s.sweepRetention(ctx)
}

func (s *Sweeper) sweepRinging(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.ringLimit)
	stale, err := s.store.FindRingingBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warnw("ring sweep query failed", "error", err)
		return
	}

	for _, session := range stale {
		next, changed := domain.Apply(session, domain.Event{Type: domain.EventRingTimeout})
		if !changed {
			continue
		}
		err := s.store.UpdateSession(ctx, next)
		switch {
		case err == nil:
			s.metrics.RecordSweepTransition()
			s.logger.Infow("ring timed out", "call_id", next.ID)
		case errors.Is(err, domain.ErrSessionTerminal):
			// A peer resolved the call concurrently; their outcome stands.
		default:
			s.logger.Warnw("failed to time out session", "call_id", next.ID, "error", err)
		}
	}
}

func (s *Sweeper) sweepRetention(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	expired, err := s.store.FindTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warnw("retention sweep query failed", "error", err)
		return
	}

	for _, session := range expired {
		if err := s.store.PurgeCandidates(ctx, session.ID); err != nil {
			s.logger.Warnw("failed to purge candidates", "call_id", session.ID, "error", err)
			continue
		}
		if err := s.store.ArchiveSession(ctx, session.ID); err != nil {
			s.logger.Warnw("failed to archive session", "call_id", session.ID, "error", err)
			continue
		}
		s.logger.Infow("session archived", "call_id", session.ID, "status", session.Status)
	}
}
