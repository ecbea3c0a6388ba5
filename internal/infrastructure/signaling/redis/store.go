package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
	"callkit/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyPrefix = "callkit:"

// envelope is the pub/sub message shape. Exactly one field is set.
type envelope struct {
	Session   *domain.CallSession `json:"session,omitempty"`
	Candidate *domain.Candidate   `json:"candidate,omitempty"`
}

// SignalStore keeps one versioned session record per call in redis and
// notifies both peers through pub/sub. Subscribers get the current record
// redelivered on every (re)subscription, which is the delivery model the
// whole protocol is written against.
type SignalStore struct {
	client   *redis.Client
	logger   *zap.SugaredLogger
	retryCfg retry.Config
	candRate *rate.Limiter
}

func NewSignalStore(client *redis.Client, logger *zap.SugaredLogger, retryCfg retry.Config, candidatesPerSecond float64) *SignalStore {
	return &SignalStore{
		client:   client,
		logger:   logger,
		retryCfg: retryCfg,
		candRate: rate.NewLimiter(rate.Limit(candidatesPerSecond), int(candidatesPerSecond)+1),
	}
}

func sessionKey(id domain.CallID) string { return keyPrefix + "session:" + string(id) }

func archiveKey(id domain.CallID) string { return keyPrefix + "archive:" + string(id) }

func candidatesKey(id domain.CallID) string { return keyPrefix + "candidates:" + string(id) }

func signalChannel(id domain.CallID) string { return keyPrefix + "signal:" + string(id) }

func inboxChannel(user domain.UserID) string { return keyPrefix + "inbox:" + string(user) }

func activeSetKey() string { return keyPrefix + "sessions:active" }

func terminalSetKey() string { return keyPrefix + "sessions:terminal" }

func (s *SignalStore) CreateSession(ctx context.Context, session *domain.CallSession) error {
	if err := session.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return retry.Retry(ctx, s.retryCfg, func() error {
		ok, err := s.client.SetNX(ctx, sessionKey(session.ID), data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create session in redis: %w", err)
		}
		if !ok {
			return retry.Permanent(fmt.Errorf("session already exists: %s", session.ID))
		}
		pipe := s.client.Pipeline()
		if session.Status.IsTerminal() {
			pipe.SAdd(ctx, terminalSetKey(), string(session.ID))
		} else {
			pipe.SAdd(ctx, activeSetKey(), string(session.ID))
		}
		pipe.Publish(ctx, signalChannel(session.ID), mustEnvelope(envelope{Session: session}))
		if session.Status == domain.StatusRinging {
			pipe.Publish(ctx, inboxChannel(session.CalleeID), data)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to index session: %w", err)
		}
		return nil
	})
}

func (s *SignalStore) GetSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from redis: %w", err)
	}

	var session domain.CallSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if err := session.Validate(); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *SignalStore) UpdateSession(ctx context.Context, session *domain.CallSession) error {
	if err := session.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Check-and-set under WATCH so a concurrent writer cannot slip a record
	// in between the read and the overwrite; redis aborts the transaction
	// with TxFailedErr and the retry loop re-reads.
	return retry.Retry(ctx, s.retryCfg, func() error {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, sessionKey(session.ID)).Result()
			if err == redis.Nil {
				return retry.Permanent(domain.ErrSessionNotFound)
			}
			if err != nil {
				return fmt.Errorf("failed to get session from redis: %w", err)
			}
			var stored domain.CallSession
			if err := json.Unmarshal([]byte(raw), &stored); err != nil {
				return retry.Permanent(fmt.Errorf("failed to unmarshal session: %w", err))
			}
			if stored.Status.IsTerminal() {
				return retry.Permanent(domain.ErrSessionTerminal)
			}
			// A terminal write always lands over a live record regardless of
			// revision; two peers racing to the same revision must not lose
			// the ending.
			if !session.Status.IsTerminal() && session.Revision <= stored.Revision {
				return nil // duplicate or stale write
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, sessionKey(session.ID), data, 0)
				if session.Status.IsTerminal() {
					pipe.SMove(ctx, activeSetKey(), terminalSetKey(), string(session.ID))
				}
				pipe.Publish(ctx, signalChannel(session.ID), mustEnvelope(envelope{Session: session}))
				return nil
			})
			return err
		}, sessionKey(session.ID))
		if err == redis.TxFailedErr {
			return fmt.Errorf("session write raced a concurrent update: %w", err)
		}
		return err
	})
}

func (s *SignalStore) ActiveSessionForUser(ctx context.Context, user domain.UserID) (*domain.CallSession, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	for _, id := range ids {
		session, err := s.GetSession(ctx, domain.CallID(id))
		if err != nil {
			continue
		}
		if !session.Status.IsTerminal() && session.Participant(user) {
			return session, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (s *SignalStore) AddCandidate(ctx context.Context, cand *domain.Candidate) error {
	if err := cand.Validate(); err != nil {
		return err
	}
	// Candidates arrive in bursts during negotiation; pace the publishes so
	// one misbehaving client cannot flood the channel.
	if err := s.candRate.Wait(ctx); err != nil {
		return err
	}

	data, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}

	return retry.Retry(ctx, s.retryCfg, func() error {
		pipe := s.client.Pipeline()
		pipe.RPush(ctx, candidatesKey(cand.SessionID), data)
		pipe.Publish(ctx, signalChannel(cand.SessionID), mustEnvelope(envelope{Candidate: cand}))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to add candidate: %w", err)
		}
		return nil
	})
}

func (s *SignalStore) Candidates(ctx context.Context, id domain.CallID, origin domain.CandidateOrigin) ([]*domain.Candidate, error) {
	all, err := s.allCandidates(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []*domain.Candidate
	for _, cand := range all {
		if cand.Origin == origin {
			out = append(out, cand)
		}
	}
	return out, nil
}

func (s *SignalStore) allCandidates(ctx context.Context, id domain.CallID) ([]*domain.Candidate, error) {
	items, err := s.client.LRange(ctx, candidatesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	out := make([]*domain.Candidate, 0, len(items))
	for _, item := range items {
		var cand domain.Candidate
		if err := json.Unmarshal([]byte(item), &cand); err != nil {
			s.logger.Warnw("skipping malformed candidate record", "call_id", id, "error", err)
			continue
		}
		out = append(out, &cand)
	}
	return out, nil
}

func (s *SignalStore) Watch(ctx context.Context, id domain.CallID) (<-chan ports.SignalEvent, error) {
	pubsub := s.client.Subscribe(ctx, signalChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to signal channel: %w", err)
	}

	out := make(chan ports.SignalEvent, 64)

	go func() {
		defer close(out)
		defer pubsub.Close()

		// Redeliver the current state first: the record itself, then every
		// candidate written so far. A reattaching listener sees everything
		// again; dedup upstream makes that safe.
		if session, err := s.GetSession(ctx, id); err == nil {
			out <- ports.SignalEvent{Session: session}
		}
		if cands, err := s.allCandidates(ctx, id); err == nil {
			for _, cand := range cands {
				out <- ports.SignalEvent{Candidate: cand}
			}
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || (env.Session == nil && env.Candidate == nil) {
					s.logger.Warnw("dropping malformed signal message", "call_id", id, "error", err)
					continue
				}
				select {
				case out <- ports.SignalEvent{Session: env.Session, Candidate: env.Candidate}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *SignalStore) WatchInbox(ctx context.Context, user domain.UserID) (<-chan *domain.CallSession, error) {
	pubsub := s.client.Subscribe(ctx, inboxChannel(user))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to inbox channel: %w", err)
	}

	out := make(chan *domain.CallSession, 16)

	go func() {
		defer close(out)
		defer pubsub.Close()

		// A client that missed the push notification still finds the
		// ringing session here on subscribe.
		ids, err := s.client.SMembers(ctx, activeSetKey()).Result()
		if err == nil {
			for _, id := range ids {
				session, err := s.GetSession(ctx, domain.CallID(id))
				if err != nil {
					continue
				}
				if session.Status == domain.StatusRinging && session.CalleeID == user {
					out <- session
				}
			}
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var session domain.CallSession
				if err := json.Unmarshal([]byte(msg.Payload), &session); err != nil {
					s.logger.Warnw("dropping malformed inbox message", "user", user, "error", err)
					continue
				}
				select {
				case out <- &session:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *SignalStore) FindRingingBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	ids, err := s.client.SMembers(ctx, activeSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	var out []*domain.CallSession
	for _, id := range ids {
		session, err := s.GetSession(ctx, domain.CallID(id))
		if err != nil {
			continue
		}
		if session.Status == domain.StatusRinging && session.CreatedAt.Before(cutoff) {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *SignalStore) FindTerminalBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	ids, err := s.client.SMembers(ctx, terminalSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list terminal sessions: %w", err)
	}
	var out []*domain.CallSession
	for _, id := range ids {
		session, err := s.GetSession(ctx, domain.CallID(id))
		if err != nil {
			continue
		}
		endedAt := session.CreatedAt
		if session.EndedAt != nil {
			endedAt = *session.EndedAt
		}
		if endedAt.Before(cutoff) {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *SignalStore) PurgeCandidates(ctx context.Context, id domain.CallID) error {
	if err := s.client.Del(ctx, candidatesKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to purge candidates: %w", err)
	}
	return nil
}

func (s *SignalStore) ArchiveSession(ctx context.Context, id domain.CallID) error {
	pipe := s.client.Pipeline()
	pipe.Rename(ctx, sessionKey(id), archiveKey(id))
	pipe.SRem(ctx, terminalSetKey(), string(id))
	pipe.SRem(ctx, activeSetKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to archive session: %w", err)
	}
	return nil
}

func mustEnvelope(env envelope) []byte {
	data, _ := json.Marshal(env)
	return data
}
