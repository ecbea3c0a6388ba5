package media

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callkit/internal/core/domain"
)

// brokenCameraSource acquires audio normally but has no camera.
type brokenCameraSource struct{}

func (brokenCameraSource) AudioTrack() (webrtc.TrackLocal, error) {
	return StaticTrackSource{}.AudioTrack()
}

func (brokenCameraSource) VideoTrack() (webrtc.TrackLocal, error) {
	return nil, errors.New("camera acquisition failed")
}

func newTestEngine(t *testing.T, tracks TrackSource) *Engine {
	t.Helper()
	e, err := NewEngine(Config{}, tracks, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestCreateOfferVideoDegradesWithoutCamera(t *testing.T) {
	e := newTestEngine(t, brokenCameraSource{})

	offer, err := e.CreateOffer(context.Background(), domain.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaAudio, offer.MediaKind, "declared kind must match acquired tracks")
	assert.Equal(t, domain.DescriptionOffer, offer.Kind)
	assert.NotEmpty(t, offer.SDP)
}

func TestCreateAnswerDeclaresAcquiredKind(t *testing.T) {
	caller := newTestEngine(t, StaticTrackSource{})
	offer, err := caller.CreateOffer(context.Background(), domain.MediaVideo)
	require.NoError(t, err)
	require.Equal(t, domain.MediaVideo, offer.MediaKind)

	callee := newTestEngine(t, brokenCameraSource{})
	answer, err := callee.CreateAnswer(context.Background(), offer)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaAudio, answer.MediaKind)
	assert.Equal(t, domain.DescriptionAnswer, answer.Kind)
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	caller := newTestEngine(t, StaticTrackSource{})
	callee := newTestEngine(t, StaticTrackSource{})

	offer, err := caller.CreateOffer(context.Background(), domain.MediaAudio)
	require.NoError(t, err)

	answer, err := callee.CreateAnswer(context.Background(), offer)
	require.NoError(t, err)

	require.NoError(t, caller.AcceptAnswer(context.Background(), answer))
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t, StaticTrackSource{})
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	// Late candidates after close are silently ignored.
	err := e.AddCandidate(context.Background(), &domain.Candidate{
		SessionID: "s",
		Origin:    domain.OriginCaller,
		Payload:   "candidate:1 1 udp 2130706431 10.0.0.1 54400 typ host",
		SDPMid:    "0",
	})
	assert.NoError(t, err)
}
