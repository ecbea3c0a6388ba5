package domain

// CallPhase is the coarse state every UI surface renders from. It is derived
// from the coordinator's session, never stored.
type CallPhase string

const (
	PhaseIdle            CallPhase = "idle"
	PhaseOutgoingRinging CallPhase = "outgoing_ringing"
	PhaseIncomingRinging CallPhase = "incoming_ringing"
	PhaseConnecting      CallPhase = "connecting"
	PhaseActive          CallPhase = "active"
	PhaseEnded           CallPhase = "ended"
)

// CallUIState is the single source of truth pushed to every subscribed UI
// surface, so an incoming call is visible regardless of the current screen.
type CallUIState struct {
	Phase     CallPhase `json:"phase"`
	CallID    CallID    `json:"call_id,omitempty"`
	PeerID    UserID    `json:"peer_id,omitempty"`
	Kind      MediaKind `json:"kind,omitempty"`
	EndReason EndReason `json:"end_reason,omitempty"`
}
