package domain

import "errors"

var (
	ErrSessionNotFound  = errors.New("call session not found")
	ErrAlreadyInCall    = errors.New("already in a call")
	ErrNoIncomingCall   = errors.New("no incoming call")
	ErrSessionTerminal  = errors.New("call session is terminal")
	ErrMalformedRecord  = errors.New("malformed signaling record")
	ErrMediaUnavailable = errors.New("media device unavailable")
)
