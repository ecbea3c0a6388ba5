package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"callkit/internal/core/domain"
)

func TestCandidateFilterAdmitsOnce(t *testing.T) {
	f := NewCandidateFilter()
	cand := &domain.Candidate{
		SessionID: "call-1",
		Origin:    domain.OriginCaller,
		Payload:   "candidate:1 1 udp 2130706431 10.0.0.1 54400 typ host",
		SDPMid:    "0",
	}

	assert.True(t, f.Admit(cand))
	assert.False(t, f.Admit(cand))
	assert.False(t, f.Admit(cand))
}

func TestCandidateFilterScopesBySession(t *testing.T) {
	f := NewCandidateFilter()
	a := &domain.Candidate{SessionID: "call-a", Origin: domain.OriginCaller, Payload: "candidate:1", SDPMid: "0"}
	b := &domain.Candidate{SessionID: "call-b", Origin: domain.OriginCaller, Payload: "candidate:1", SDPMid: "0"}

	assert.True(t, f.Admit(a))
	assert.True(t, f.Admit(b), "the same payload on another session is a distinct candidate")
}

func TestCandidateFilterReleaseForgetsSession(t *testing.T) {
	f := NewCandidateFilter()
	cand := &domain.Candidate{SessionID: "call-1", Origin: domain.OriginCallee, Payload: "candidate:1", SDPMid: "0"}

	assert.True(t, f.Admit(cand))
	f.Release("call-1")
	assert.True(t, f.Admit(cand), "released sessions carry no seen keys")
}
