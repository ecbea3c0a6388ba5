package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

type CandidateOrigin string

const (
	OriginCaller CandidateOrigin = "caller"
	OriginCallee CandidateOrigin = "callee"
)

// Candidate is one discovered network path descriptor, exchanged
// incrementally while the connection is being set up. Records are
// append-only per session, partitioned by origin.
type Candidate struct {
	SessionID     CallID          `json:"session_id"`
	Origin        CandidateOrigin `json:"origin"`
	Payload       string          `json:"payload"`
	SDPMid        string          `json:"sdp_mid"`
	SDPMLineIndex uint16          `json:"sdp_mline_index"`
}

func (c *Candidate) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("candidate without session id: %w", ErrMalformedRecord)
	}
	if c.Origin != OriginCaller && c.Origin != OriginCallee {
		return fmt.Errorf("candidate origin %q: %w", c.Origin, ErrMalformedRecord)
	}
	if c.Payload == "" {
		return fmt.Errorf("empty candidate payload: %w", ErrMalformedRecord)
	}
	return nil
}

// DedupKey identifies a candidate regardless of how many times the transport
// redelivers it. Two candidates with the same payload, mid and media line
// index are the same candidate.
func (c *Candidate) DedupKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", c.Payload, c.SDPMid, c.SDPMLineIndex)
	return hex.EncodeToString(h.Sum(nil))
}
