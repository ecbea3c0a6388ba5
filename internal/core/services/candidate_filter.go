package services

import (
	"sync"

	"callkit/internal/core/domain"
)

// CandidateFilter drops redelivered negotiation candidates before they reach
// the media engine. The transport redelivers unchanged records whenever a
// listener reattaches (app foregrounding, reconnects), and re-applying a
// consumed candidate ranges from log spam to a connection fault depending on
// the engine, so admission is decided here, uniformly.
//
// Seen keys are scoped to the session lifetime: Release clears them on
// teardown, never on a listener disconnect, so a brief reattach cannot renew
// acceptance of already-applied candidates.
type CandidateFilter struct {
	mu   sync.Mutex
	seen map[domain.CallID]map[string]struct{}
}

func NewCandidateFilter() *CandidateFilter {
	return &CandidateFilter{
		seen: make(map[domain.CallID]map[string]struct{}),
	}
}

// Admit reports whether the candidate is seen for the first time and should
// be forwarded to the media engine.
func (f *CandidateFilter) Admit(cand *domain.Candidate) bool {
	key := cand.DedupKey()

	f.mu.Lock()
	defer f.mu.Unlock()

	keys, ok := f.seen[cand.SessionID]
	if !ok {
		keys = make(map[string]struct{})
		f.seen[cand.SessionID] = keys
	}
	if _, dup := keys[key]; dup {
		return false
	}
	keys[key] = struct{}{}
	return true
}

// Release forgets all keys for a torn-down session.
func (f *CandidateFilter) Release(id domain.CallID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, id)
}
