package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOffer() *Description {
	return &Description{Kind: DescriptionOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n", MediaKind: MediaVideo}
}

func testAnswer(kind MediaKind) *Description {
	return &Description{Kind: DescriptionAnswer, SDP: "v=0\r\no=- 2 2 IN IP4 0.0.0.0\r\n", MediaKind: kind}
}

func ringingSession() *CallSession {
	s := NewCallSession("alice", "bob", MediaVideo)
	s.Offer = testOffer()
	return s
}

func activeSession() *CallSession {
	s := ringingSession()
	next, changed := Apply(s, Event{Type: EventAccept, Actor: "bob", Answer: testAnswer(MediaVideo)})
	if !changed {
		panic("fixture accept did not apply")
	}
	return next
}

func TestApplyTransitionTable(t *testing.T) {
	tests := []struct {
		name       string
		session    func() *CallSession
		event      Event
		wantChange bool
		wantStatus CallStatus
		wantReason EndReason
	}{
		{
			name:       "accept from ringing",
			session:    ringingSession,
			event:      Event{Type: EventAccept, Actor: "bob", Answer: testAnswer(MediaVideo)},
			wantChange: true,
			wantStatus: StatusActive,
		},
		{
			name:       "decline from ringing",
			session:    ringingSession,
			event:      Event{Type: EventDecline, Actor: "bob"},
			wantChange: true,
			wantStatus: StatusDeclined,
			wantReason: EndReasonDeclined,
		},
		{
			name:       "ring timeout from ringing",
			session:    ringingSession,
			event:      Event{Type: EventRingTimeout},
			wantChange: true,
			wantStatus: StatusMissed,
			wantReason: EndReasonTimeout,
		},
		{
			name:       "busy from ringing",
			session:    ringingSession,
			event:      Event{Type: EventBusy},
			wantChange: true,
			wantStatus: StatusBusy,
			wantReason: EndReasonBusy,
		},
		{
			name:       "caller cancels while ringing",
			session:    ringingSession,
			event:      Event{Type: EventHangup, Actor: "alice"},
			wantChange: true,
			wantStatus: StatusEnded,
			wantReason: EndReasonCallerHangup,
		},
		{
			name:       "callee cannot hang up a ringing call",
			session:    ringingSession,
			event:      Event{Type: EventHangup, Actor: "bob"},
			wantChange: false,
			wantStatus: StatusRinging,
		},
		{
			name:       "caller hangs up active call",
			session:    activeSession,
			event:      Event{Type: EventHangup, Actor: "alice"},
			wantChange: true,
			wantStatus: StatusEnded,
			wantReason: EndReasonCallerHangup,
		},
		{
			name:       "callee hangs up active call",
			session:    activeSession,
			event:      Event{Type: EventHangup, Actor: "bob"},
			wantChange: true,
			wantStatus: StatusEnded,
			wantReason: EndReasonCalleeHangup,
		},
		{
			name:       "decline has no effect on an active call",
			session:    activeSession,
			event:      Event{Type: EventDecline, Actor: "bob"},
			wantChange: false,
			wantStatus: StatusActive,
		},
		{
			name:       "ring timeout has no effect on an active call",
			session:    activeSession,
			event:      Event{Type: EventRingTimeout},
			wantChange: false,
			wantStatus: StatusActive,
		},
		{
			name:       "media failure ends a ringing call",
			session:    ringingSession,
			event:      Event{Type: EventMediaFailure},
			wantChange: true,
			wantStatus: StatusEnded,
			wantReason: EndReasonError,
		},
		{
			name:       "media failure ends an active call",
			session:    activeSession,
			event:      Event{Type: EventMediaFailure},
			wantChange: true,
			wantStatus: StatusEnded,
			wantReason: EndReasonError,
		},
		{
			name:       "accept without answer is dropped",
			session:    ringingSession,
			event:      Event{Type: EventAccept, Actor: "bob"},
			wantChange: false,
			wantStatus: StatusRinging,
		},
		{
			name:    "accept with an offer-kind description is dropped",
			session: ringingSession,
			event: Event{Type: EventAccept, Actor: "bob",
				Answer: &Description{Kind: DescriptionOffer, SDP: "v=0", MediaKind: MediaAudio}},
			wantChange: false,
			wantStatus: StatusRinging,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.session()
			beforeRev := before.Revision

			next, changed := Apply(before, tt.event)

			assert.Equal(t, tt.wantChange, changed)
			assert.Equal(t, tt.wantStatus, next.Status)
			if tt.wantReason != EndReasonNone {
				assert.Equal(t, tt.wantReason, next.EndReason)
			}
			if tt.wantChange {
				assert.Equal(t, beforeRev+1, next.Revision, "accepted mutation must bump revision")
			} else {
				assert.Same(t, before, next, "rejected event must return the input unchanged")
			}
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	events := []Event{
		{Type: EventAccept, Actor: "bob", Answer: testAnswer(MediaVideo)},
		{Type: EventDecline, Actor: "bob"},
		{Type: EventRingTimeout},
		{Type: EventBusy},
		{Type: EventHangup, Actor: "alice"},
		{Type: EventMediaFailure},
	}

	for _, ev := range events {
		t.Run(string(ev.Type), func(t *testing.T) {
			once, changed := Apply(ringingSession(), ev)
			require.True(t, changed)

			twice, changed := Apply(once, ev)
			assert.False(t, changed, "second delivery must be a no-op")
			assert.Equal(t, once, twice)
		})
	}
}

func TestApplyNeverMutatesInput(t *testing.T) {
	s := ringingSession()
	snapshot := s.Clone()

	_, changed := Apply(s, Event{Type: EventHangup, Actor: "alice"})
	require.True(t, changed)
	assert.Equal(t, snapshot, s)
}

func TestTerminalSessionsAbsorbEverything(t *testing.T) {
	terminals := []func() *CallSession{
		func() *CallSession { s, _ := Apply(ringingSession(), Event{Type: EventDecline, Actor: "bob"}); return s },
		func() *CallSession { s, _ := Apply(ringingSession(), Event{Type: EventRingTimeout}); return s },
		func() *CallSession { s, _ := Apply(ringingSession(), Event{Type: EventBusy}); return s },
		func() *CallSession { s, _ := Apply(activeSession(), Event{Type: EventHangup, Actor: "bob"}); return s },
	}
	events := []Event{
		{Type: EventAccept, Actor: "bob", Answer: testAnswer(MediaAudio)},
		{Type: EventDecline, Actor: "bob"},
		{Type: EventHangup, Actor: "alice"},
		{Type: EventRingTimeout},
		{Type: EventBusy},
		{Type: EventMediaFailure},
	}

	for _, mk := range terminals {
		terminal := mk()
		require.True(t, terminal.Status.IsTerminal())
		for _, ev := range events {
			next, changed := Apply(terminal, ev)
			assert.False(t, changed, "event %s must not change a %s session", ev.Type, terminal.Status)
			assert.Same(t, terminal, next)
		}
	}
}

func TestMergePrefersTerminalAndHigherRevision(t *testing.T) {
	base := ringingSession()

	t.Run("remote terminal wins", func(t *testing.T) {
		remote, _ := Apply(base, Event{Type: EventDecline, Actor: "bob"})
		merged, changed := Merge(base, remote)
		assert.True(t, changed)
		assert.Equal(t, StatusDeclined, merged.Status)
	})

	t.Run("local terminal never regresses", func(t *testing.T) {
		local, _ := Apply(base, Event{Type: EventHangup, Actor: "alice"})
		stale := base.Clone()
		stale.Revision = local.Revision + 5

		merged, changed := Merge(local, stale)
		assert.False(t, changed)
		assert.Equal(t, StatusEnded, merged.Status)
	})

	t.Run("higher revision wins", func(t *testing.T) {
		remote, _ := Apply(base, Event{Type: EventAccept, Actor: "bob", Answer: testAnswer(MediaVideo)})
		merged, changed := Merge(base, remote)
		assert.True(t, changed)
		assert.Equal(t, StatusActive, merged.Status)
	})

	t.Run("equal revision prefers the record carrying the answer", func(t *testing.T) {
		withAnswer := base.Clone()
		withAnswer.Answer = testAnswer(MediaVideo)

		merged, changed := Merge(base, withAnswer)
		assert.True(t, changed)
		assert.NotNil(t, merged.Answer)
	})

	t.Run("redelivery of the same record is a no-op", func(t *testing.T) {
		merged, changed := Merge(base, base.Clone())
		assert.False(t, changed)
		assert.Equal(t, base, merged)
	})

	t.Run("nil local adopts remote", func(t *testing.T) {
		merged, changed := Merge(nil, base)
		assert.True(t, changed)
		assert.Equal(t, base, merged)
	})
}

func TestResolveGlareLoserIsDeterministic(t *testing.T) {
	a := ringingSession()
	a.ID = "0b9de8f1-0000-0000-0000-000000000000"
	b := ringingSession()
	b.ID = "7f3c2a10-0000-0000-0000-000000000000"

	assert.Same(t, b, ResolveGlareLoser(a, b))
	assert.Same(t, b, ResolveGlareLoser(b, a), "argument order must not change the loser")
}

func TestCandidateDedupKey(t *testing.T) {
	a := &Candidate{SessionID: "s", Origin: OriginCaller, Payload: "candidate:1 1 udp 2130706431 10.0.0.1 54400 typ host", SDPMid: "0", SDPMLineIndex: 0}
	dup := &Candidate{SessionID: "s", Origin: OriginCallee, Payload: a.Payload, SDPMid: "0", SDPMLineIndex: 0}
	other := &Candidate{SessionID: "s", Origin: OriginCaller, Payload: a.Payload, SDPMid: "1", SDPMLineIndex: 1}

	assert.Equal(t, a.DedupKey(), dup.DedupKey(), "origin must not affect identity")
	assert.NotEqual(t, a.DedupKey(), other.DedupKey())
}

func TestSessionValidate(t *testing.T) {
	valid := ringingSession()
	require.NoError(t, valid.Validate())

	noID := valid.Clone()
	noID.ID = ""
	assert.ErrorIs(t, noID.Validate(), ErrMalformedRecord)

	badKind := valid.Clone()
	badKind.Kind = "hologram"
	assert.ErrorIs(t, badKind.Validate(), ErrMalformedRecord)

	badStatus := valid.Clone()
	badStatus.Status = "paused"
	assert.ErrorIs(t, badStatus.Validate(), ErrMalformedRecord)

	orphanAnswer := valid.Clone()
	orphanAnswer.Offer = nil
	orphanAnswer.Answer = testAnswer(MediaAudio)
	assert.ErrorIs(t, orphanAnswer.Validate(), ErrMalformedRecord)

	emptySDP := valid.Clone()
	emptySDP.Offer.SDP = ""
	assert.ErrorIs(t, emptySDP.Validate(), ErrMalformedRecord)
}

func TestApplySetsTimestamps(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	accepted, changed := Apply(ringingSession(), Event{Type: EventAccept, Actor: "bob", Answer: testAnswer(MediaVideo), At: at})
	require.True(t, changed)
	require.NotNil(t, accepted.AnsweredAt)
	assert.Equal(t, at, *accepted.AnsweredAt)

	ended, changed := Apply(accepted, Event{Type: EventHangup, Actor: "bob", At: at.Add(time.Minute)})
	require.True(t, changed)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, at.Add(time.Minute), *ended.EndedAt)
}
