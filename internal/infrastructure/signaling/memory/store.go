package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
)

const watchBuffer = 64

// SignalStore is the in-process signaling store. It honours the same
// delivery contract as the redis store: the current record and all known
// candidates are redelivered to every new Watch subscription, so consumers
// see duplicates in normal operation.
type SignalStore struct {
	mu         sync.RWMutex
	sessions   map[domain.CallID]*domain.CallSession
	archived   map[domain.CallID]*domain.CallSession
	candidates map[domain.CallID][]*domain.Candidate

	watchSeq      int
	watchers      map[domain.CallID]map[int]chan ports.SignalEvent
	inboxWatchers map[domain.UserID]map[int]chan *domain.CallSession
}

func NewSignalStore() *SignalStore {
	return &SignalStore{
		sessions:      make(map[domain.CallID]*domain.CallSession),
		archived:      make(map[domain.CallID]*domain.CallSession),
		candidates:    make(map[domain.CallID][]*domain.Candidate),
		watchers:      make(map[domain.CallID]map[int]chan ports.SignalEvent),
		inboxWatchers: make(map[domain.UserID]map[int]chan *domain.CallSession),
	}
}

func (s *SignalStore) CreateSession(ctx context.Context, session *domain.CallSession) error {
	if err := session.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}
	stored := session.Clone()
	s.sessions[session.ID] = stored

	s.notifySessionLocked(stored)
	if stored.Status == domain.StatusRinging {
		s.notifyInboxLocked(stored)
	}
	return nil
}

func (s *SignalStore) GetSession(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *SignalStore) UpdateSession(ctx context.Context, session *domain.CallSession) error {
	if err := session.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.sessions[session.ID]
	if !exists {
		return domain.ErrSessionNotFound
	}
	if stored.Status.IsTerminal() {
		return domain.ErrSessionTerminal
	}
	// A terminal write always lands over a live record regardless of
	// revision; two peers racing to revision N must not lose the ending.
	if !session.Status.IsTerminal() && session.Revision <= stored.Revision {
		return nil // stale or duplicate write; merging made it a no-op
	}

	next := session.Clone()
	s.sessions[session.ID] = next
	s.notifySessionLocked(next)
	return nil
}

func (s *SignalStore) ActiveSessionForUser(ctx context.Context, user domain.UserID) (*domain.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		if !session.Status.IsTerminal() && session.Participant(user) {
			return session.Clone(), nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (s *SignalStore) AddCandidate(ctx context.Context, cand *domain.Candidate) error {
	if err := cand.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[cand.SessionID]; !exists {
		return domain.ErrSessionNotFound
	}
	c := *cand
	s.candidates[cand.SessionID] = append(s.candidates[cand.SessionID], &c)

	for _, ch := range s.watchers[cand.SessionID] {
		send(ch, ports.SignalEvent{Candidate: &c})
	}
	return nil
}

func (s *SignalStore) Candidates(ctx context.Context, id domain.CallID, origin domain.CandidateOrigin) ([]*domain.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Candidate
	for _, cand := range s.candidates[id] {
		if cand.Origin == origin {
			c := *cand
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *SignalStore) Watch(ctx context.Context, id domain.CallID) (<-chan ports.SignalEvent, error) {
	ch := make(chan ports.SignalEvent, watchBuffer)

	s.mu.Lock()
	// Redeliver the current value and every known candidate on subscribe,
	// exactly like a reattaching remote listener would see.
	if session, exists := s.sessions[id]; exists {
		send(ch, ports.SignalEvent{Session: session.Clone()})
	}
	for _, cand := range s.candidates[id] {
		c := *cand
		send(ch, ports.SignalEvent{Candidate: &c})
	}
	s.watchSeq++
	key := s.watchSeq
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[int]chan ports.SignalEvent)
	}
	s.watchers[id][key] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.watchers[id][key]; ok {
			delete(s.watchers[id], key)
			close(ch)
		}
		s.mu.Unlock()
	}()

	return ch, nil
}

func (s *SignalStore) WatchInbox(ctx context.Context, user domain.UserID) (<-chan *domain.CallSession, error) {
	ch := make(chan *domain.CallSession, watchBuffer)

	s.mu.Lock()
	for _, session := range s.sessions {
		if session.Status == domain.StatusRinging && session.CalleeID == user {
			sendInbox(ch, session.Clone())
		}
	}
	s.watchSeq++
	key := s.watchSeq
	if s.inboxWatchers[user] == nil {
		s.inboxWatchers[user] = make(map[int]chan *domain.CallSession)
	}
	s.inboxWatchers[user][key] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if _, ok := s.inboxWatchers[user][key]; ok {
			delete(s.inboxWatchers[user], key)
			close(ch)
		}
		s.mu.Unlock()
	}()

	return ch, nil
}

func (s *SignalStore) FindRingingBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.CallSession
	for _, session := range s.sessions {
		if session.Status == domain.StatusRinging && session.CreatedAt.Before(cutoff) {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

func (s *SignalStore) FindTerminalBefore(ctx context.Context, cutoff time.Time) ([]*domain.CallSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.CallSession
	for _, session := range s.sessions {
		if !session.Status.IsTerminal() {
			continue
		}
		endedAt := session.CreatedAt
		if session.EndedAt != nil {
			endedAt = *session.EndedAt
		}
		if endedAt.Before(cutoff) {
			out = append(out, session.Clone())
		}
	}
	return out, nil
}

func (s *SignalStore) PurgeCandidates(ctx context.Context, id domain.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.candidates, id)
	return nil
}

func (s *SignalStore) ArchiveSession(ctx context.Context, id domain.CallID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return domain.ErrSessionNotFound
	}
	s.archived[id] = session
	delete(s.sessions, id)
	return nil
}

func (s *SignalStore) notifySessionLocked(session *domain.CallSession) {
	for _, ch := range s.watchers[session.ID] {
		send(ch, ports.SignalEvent{Session: session.Clone()})
	}
}

func (s *SignalStore) notifyInboxLocked(session *domain.CallSession) {
	for _, ch := range s.inboxWatchers[session.CalleeID] {
		sendInbox(ch, session.Clone())
	}
}

func send(ch chan ports.SignalEvent, ev ports.SignalEvent) {
	select {
	case ch <- ev:
	default:
		// Watcher is saturated; it resubscribes and relies on redelivery.
	}
}

func sendInbox(ch chan *domain.CallSession, session *domain.CallSession) {
	select {
	case ch <- session:
	default:
	}
}
