package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"
)

func newSession(caller, callee domain.UserID) *domain.CallSession {
	s := domain.NewCallSession(caller, callee, domain.MediaAudio)
	s.Offer = &domain.Description{Kind: domain.DescriptionOffer, SDP: "v=0\r\ntest\r\n", MediaKind: domain.MediaAudio}
	return s
}

func newCandidate(id domain.CallID, origin domain.CandidateOrigin, payload string) *domain.Candidate {
	return &domain.Candidate{SessionID: id, Origin: origin, Payload: payload, SDPMid: "0"}
}

func collect(t *testing.T, ch <-chan ports.SignalEvent, n int) []ports.SignalEvent {
	t.Helper()
	out := make([]ports.SignalEvent, 0, n)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestCreateAndGetSession(t *testing.T) {
	ctx := context.Background()
	store := NewSignalStore()
	s := newSession("alice", "bob")

	require.NoError(t, store.CreateSession(ctx, s))

	got, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	assert.Error(t, store.CreateSession(ctx, s), "session ids are unique")

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestCreateSessionRejectsMalformedRecords(t *testing.T) {
	store := NewSignalStore()

	bad := newSession("alice", "bob")
	bad.Kind = "telepathy"
	assert.ErrorIs(t, store.CreateSession(context.Background(), bad), domain.ErrMalformedRecord)
}

func TestUpdateSessionTerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	store := NewSignalStore()
	s := newSession("alice", "bob")
	require.NoError(t, store.CreateSession(ctx, s))

	declined, changed := domain.Apply(s, domain.Event{Type: domain.EventDecline, Actor: "bob"})
	require.True(t, changed)
	require.NoError(t, store.UpdateSession(ctx, declined))

	accepted, changed := domain.Apply(s, domain.Event{Type: domain.EventAccept, Actor: "bob",
		Answer: &domain.Description{Kind: domain.DescriptionAnswer, SDP: "v=0\r\na\r\n", MediaKind: domain.MediaAudio}})
	require.True(t, changed)
	accepted.Revision = declined.Revision + 1

	err := store.UpdateSession(ctx, accepted)
	assert.ErrorIs(t, err, domain.ErrSessionTerminal)

	got, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, got.Status, "terminal state must never regress")
}

func TestUpdateSessionIgnoresStaleRevisions(t *testing.T) {
	ctx := context.Background()
	store := NewSignalStore()
	s := newSession("alice", "bob")
	require.NoError(t, store.CreateSession(ctx, s))

	accepted, _ := domain.Apply(s, domain.Event{Type: domain.EventAccept, Actor: "bob",
		Answer: &domain.Description{Kind: domain.DescriptionAnswer, SDP: "v=0\r\na\r\n", MediaKind: domain.MediaAudio}})
	require.NoError(t, store.UpdateSession(ctx, accepted))

	// A duplicate delivery of the original record must not clobber the answer.
	require.NoError(t, store.UpdateSession(ctx, s.Clone()))

	got, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.NotNil(t, got.Answer)
}

func TestUpdateSessionEqualRevisionTerminalWins(t *testing.T) {
	ctx := context.Background()
	store := NewSignalStore()
	s := newSession("alice", "bob")
	require.NoError(t, store.CreateSession(ctx, s))

	// Two peers race to the same revision: the callee accepts while the
	// caller hangs up. Whichever lands second, the ending must not vanish.
	accepted, _ := domain.Apply(s, domain.Event{Type: domain.EventAccept, Actor: "bob",
		Answer: &domain.Description{Kind: domain.DescriptionAnswer, SDP: "v=0\r\na\r\n", MediaKind: domain.MediaAudio}})
	hungup, _ := domain.Apply(s, domain.Event{Type: domain.EventHangup, Actor: "alice"})
	require.Equal(t, accepted.Revision, hungup.Revision)

	require.NoError(t, store.UpdateSession(ctx, accepted))
	require.NoError(t, store.UpdateSession(ctx, hungup))

	got, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, got.Status, "concurrent terminal write must land")
	assert.Equal(t, domain.EndReasonCallerHangup, got.EndReason)
}

func TestActiveSessionForUser(t *testing.T) {
	ctx := context.Background()
	store := NewSignalStore()
	s := newSession("alice", "bob")
	require.NoError(t, store.CreateSession(ctx, s))

	for _, user := range []domain.UserID{"alice", "bob"} {
		got, err := store.ActiveSessionForUser(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
	}

	_, err := store.ActiveSessionForUser(ctx, "carol")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	ended, _ := domain.Apply(s, domain.Event{Type: domain.EventHangup, Actor: "alice"})
	require.NoError(t, store.UpdateSession(ctx, ended))

	_, err = store.ActiveSessionForUser(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound, "terminal sessions are not active")
}

func TestWatchRedeliversOnSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewSignalStore()
	s := newSession("alice", "bob")
	require.NoError(t, store.CreateSession(ctx, s))
	require.NoError(t, store.AddCandidate(ctx, newCandidate(s.ID, domain.OriginCaller, "candidate:1")))
	require.NoError(t, store.AddCandidate(ctx, newCandidate(s.ID, domain.OriginCaller, "candidate:2")))

	// A subscriber attaching late still sees the full current state.
	ch, err := store.Watch(ctx, s.ID)
	require.NoError(t, err)

	events := collect(t, ch, 3)
	require.NotNil(t, events[0].Session)
	assert.Equal(t, s.ID, events[0].Session.ID)
	require.NotNil(t, events[1].Candidate)
	require.NotNil(t, events[2].Candidate)

	// Live notifications keep flowing after the replay.
	require.NoError(t, store.AddCandidate(ctx, newCandidate(s.ID, domain.OriginCallee, "candidate:3")))
	live := collect(t, ch, 1)
	require.NotNil(t, live[0].Candidate)
	assert.Equal(t, domain.OriginCallee, live[0].Candidate.Origin)
}

func TestWatchClosesOnContextCancel(t *testing.T) {
	store := NewSignalStore()
	s := newSession("alice", "bob")
	require.NoError(t, store.CreateSession(context.Background(), s))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := store.Watch(ctx, s.ID)
	require.NoError(t, err)

	collect(t, ch, 1) // drain the replayed session
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "watch channel must close when the subscriber goes away")
}

func TestWatchInboxRedeliversRingingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewSignalStore()
	ringing := newSession("alice", "bob")
	require.NoError(t, store.CreateSession(ctx, ringing))

	answered := newSession("carol", "bob")
	require.NoError(t, store.CreateSession(ctx, answered))
	ended, _ := domain.Apply(answered, domain.Event{Type: domain.EventDecline, Actor: "bob"})
	require.NoError(t, store.UpdateSession(ctx, ended))

	ch, err := store.WatchInbox(ctx, "bob")
	require.NoError(t, err)

	// Only the still-ringing call is replayed; watchers attach late in
	// normal operation (app start, reconnect).
	got := make(map[domain.CallID]bool)
	deadline := time.After(200 * time.Millisecond)
drain:
	for {
		select {
		case s := <-ch:
			got[s.ID] = true
		case <-deadline:
			break drain
		}
	}
	assert.True(t, got[ringing.ID])
	assert.False(t, got[answered.ID], "terminal calls never ring")

	// New inbound calls arrive live.
	late := newSession("dave", "bob")
	require.NoError(t, store.CreateSession(ctx, late))
	select {
	case s := <-ch:
		assert.Equal(t, late.ID, s.ID)
	case <-time.After(time.Second):
		t.Fatal("live inbound call never delivered")
	}
}

func TestCandidatesFilteredByOrigin(t *testing.T) {
	ctx := context.Background()
	store := NewSignalStore()
	s := newSession("alice", "bob")
	require.NoError(t, store.CreateSession(ctx, s))

	require.NoError(t, store.AddCandidate(ctx, newCandidate(s.ID, domain.OriginCaller, "candidate:1")))
	require.NoError(t, store.AddCandidate(ctx, newCandidate(s.ID, domain.OriginCaller, "candidate:2")))
	require.NoError(t, store.AddCandidate(ctx, newCandidate(s.ID, domain.OriginCallee, "candidate:3")))

	caller, err := store.Candidates(ctx, s.ID, domain.OriginCaller)
	require.NoError(t, err)
	assert.Len(t, caller, 2)

	callee, err := store.Candidates(ctx, s.ID, domain.OriginCallee)
	require.NoError(t, err)
	assert.Len(t, callee, 1)
}

func TestAddCandidateRequiresSession(t *testing.T) {
	store := NewSignalStore()
	err := store.AddCandidate(context.Background(), newCandidate("missing", domain.OriginCaller, "candidate:1"))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestPurgeAndArchive(t *testing.T) {
	ctx := context.Background()
	store := NewSignalStore()
	s := newSession("alice", "bob")
	require.NoError(t, store.CreateSession(ctx, s))
	require.NoError(t, store.AddCandidate(ctx, newCandidate(s.ID, domain.OriginCaller, "candidate:1")))

	require.NoError(t, store.PurgeCandidates(ctx, s.ID))
	cands, err := store.Candidates(ctx, s.ID, domain.OriginCaller)
	require.NoError(t, err)
	assert.Empty(t, cands)

	require.NoError(t, store.ArchiveSession(ctx, s.ID))
	_, err = store.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	assert.ErrorIs(t, store.ArchiveSession(ctx, s.ID), domain.ErrSessionNotFound)
}

func TestFindRingingBefore(t *testing.T) {
	ctx := context.Background()
	store := NewSignalStore()

	old := newSession("alice", "bob")
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.CreateSession(ctx, old))

	fresh := newSession("carol", "dave")
	require.NoError(t, store.CreateSession(ctx, fresh))

	found, err := store.FindRingingBefore(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, old.ID, found[0].ID)
}
