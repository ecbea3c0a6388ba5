package domain

import "time"

type EventType string

const (
	EventAccept       EventType = "accept"
	EventDecline      EventType = "decline"
	EventHangup       EventType = "hangup"
	EventRingTimeout  EventType = "ring_timeout"
	EventBusy         EventType = "busy"
	EventMediaFailure EventType = "media_failure"
)

// Event is one inbound occurrence to fold into a session: a peer action, a
// timeout, or a media engine fault. Delivery is at-least-once and unordered,
// so Apply treats every event as a commutative, idempotent merge.
type Event struct {
	Type   EventType
	Actor  UserID       // who acted; attribution for hangup
	Answer *Description // accept only
	At     time.Time
}

// Apply folds an event into a session and reports whether anything changed.
// It is a pure function: the input session is never mutated, illegal or
// duplicate events yield (input, false) rather than an error. A terminal
// session absorbs every event unchanged.
func Apply(s *CallSession, ev Event) (*CallSession, bool) {
	if s.Status.IsTerminal() {
		return s, false
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch ev.Type {
	case EventAccept:
		if s.Status != StatusRinging || s.Offer == nil || ev.Answer == nil {
			return s, false
		}
		if err := ev.Answer.Validate(); err != nil || ev.Answer.Kind != DescriptionAnswer {
			return s, false
		}
		next := s.Clone()
		next.Status = StatusActive
		next.Answer = ev.Answer
		next.AnsweredAt = &at
		next.Revision++
		return next, true

	case EventDecline:
		if s.Status != StatusRinging {
			return s, false
		}
		return terminate(s, StatusDeclined, EndReasonDeclined, at)

	case EventRingTimeout:
		if s.Status != StatusRinging {
			return s, false
		}
		return terminate(s, StatusMissed, EndReasonTimeout, at)

	case EventBusy:
		if s.Status != StatusRinging {
			return s, false
		}
		return terminate(s, StatusBusy, EndReasonBusy, at)

	case EventHangup:
		// A caller may hang up while still ringing; that cancels the call.
		if s.Status != StatusActive && !(s.Status == StatusRinging && ev.Actor == s.CallerID) {
			return s, false
		}
		reason := EndReasonCalleeHangup
		if ev.Actor == s.CallerID {
			reason = EndReasonCallerHangup
		}
		return terminate(s, StatusEnded, reason, at)

	case EventMediaFailure:
		// Fatal engine failure ends the call whether ringing or active.
		return terminate(s, StatusEnded, EndReasonError, at)
	}

	return s, false
}

func terminate(s *CallSession, status CallStatus, reason EndReason, at time.Time) (*CallSession, bool) {
	next := s.Clone()
	next.Status = status
	next.EndReason = reason
	next.EndedAt = &at
	next.Revision++
	return next, true
}

// Merge folds a redelivered remote record into the locally known one. The
// transport redelivers the current value on change and on reconnection, with
// no ordering guarantee, so this must be safe to call any number of times in
// any order. A terminal local record never regresses.
func Merge(local, remote *CallSession) (*CallSession, bool) {
	if local == nil {
		return remote, remote != nil
	}
	if remote == nil || local.Status.IsTerminal() {
		return local, false
	}
	if remote.Status.IsTerminal() || remote.Revision > local.Revision {
		return remote, true
	}
	if remote.Revision == local.Revision && remote.Answer != nil && local.Answer == nil {
		return remote, true
	}
	return local, false
}

// ResolveGlareLoser picks which of two simultaneously created sessions
// between the same pair must be resolved to busy. The session with the
// lexicographically larger id loses; ids, not timestamps, so clock skew
// between the two clients cannot flip the outcome.
func ResolveGlareLoser(a, b *CallSession) *CallSession {
	if a.ID <= b.ID {
		return b
	}
	return a
}
