package media

import (
	"context"
	"fmt"
	"sync"

	"callkit/internal/core/domain"
	"callkit/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TrackSource acquires local capture tracks. It is a seam between the engine
// and the capture devices so device failure is testable.
type TrackSource interface {
	AudioTrack() (webrtc.TrackLocal, error)
	VideoTrack() (webrtc.TrackLocal, error)
}

// StaticTrackSource produces sample-fed local tracks.
type StaticTrackSource struct{}

func (StaticTrackSource) AudioTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"callkit-audio",
	)
}

func (StaticTrackSource) VideoTrack() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"callkit-video",
	)
}

// Config carries the ICE servers for peer connections.
type Config struct {
	ICEServers []webrtc.ICEServer
}

// Engine adapts one call attempt to a pion peer connection. It carries no
// protocol state: descriptions and candidates come in from the coordinator,
// local candidates and fatal errors go back out through callbacks.
type Engine struct {
	cfg    Config
	tracks TrackSource
	logger *zap.SugaredLogger

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	onCandidate func(payload, sdpMid string, sdpMLineIndex uint16)
	onFatal     func(error)
	closed      bool
}

// NewFactory returns a factory building one engine per call attempt.
func NewFactory(cfg Config, tracks TrackSource, logger *zap.SugaredLogger) ports.MediaEngineFactory {
	return func(ctx context.Context) (ports.MediaEngine, error) {
		return NewEngine(cfg, tracks, logger)
	}
}

func NewEngine(cfg Config, tracks TrackSource, logger *zap.SugaredLogger) (*Engine, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	e := &Engine{cfg: cfg, tracks: tracks, logger: logger, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		e.mu.Lock()
		fn := e.onCandidate
		e.mu.Unlock()
		if fn == nil {
			return
		}
		init := c.ToJSON()
		var mid string
		if init.SDPMid != nil {
			mid = *init.SDPMid
		}
		var mline uint16
		if init.SDPMLineIndex != nil {
			mline = *init.SDPMLineIndex
		}
		fn(init.Candidate, mid, mline)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.logger.Debugw("peer connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			e.mu.Lock()
			fn := e.onFatal
			e.mu.Unlock()
			if fn != nil {
				fn(fmt.Errorf("peer connection failed"))
			}
		}
	})

	return e, nil
}

func (e *Engine) OnLocalCandidate(fn func(payload, sdpMid string, sdpMLineIndex uint16)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCandidate = fn
}

func (e *Engine) OnFatal(fn func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFatal = fn
}

// attachTracks acquires local tracks for the wanted kind and returns the
// kind actually attached. Audio is mandatory; a failed camera degrades the
// call to audio rather than failing it.
func (e *Engine) attachTracks(kind domain.MediaKind) (domain.MediaKind, error) {
	audio, err := e.tracks.AudioTrack()
	if err != nil {
		return "", fmt.Errorf("failed to acquire audio track: %w", err)
	}
	audioSender, err := e.pc.AddTrack(audio)
	if err != nil {
		return "", fmt.Errorf("failed to attach audio track: %w", err)
	}
	e.audioTrack = audio
	e.audioSender = audioSender

	actual := domain.MediaAudio
	if kind == domain.MediaVideo {
		video, err := e.tracks.VideoTrack()
		if err != nil {
			e.logger.Warnw("camera unavailable, continuing audio-only", "error", err)
			return actual, nil
		}
		videoSender, err := e.pc.AddTrack(video)
		if err != nil {
			e.logger.Warnw("failed to attach video track, continuing audio-only", "error", err)
			return actual, nil
		}
		e.videoTrack = video
		e.videoSender = videoSender
		actual = domain.MediaVideo
	}
	return actual, nil
}

func (e *Engine) CreateOffer(ctx context.Context, kind domain.MediaKind) (*domain.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	actual, err := e.attachTracks(kind)
	if err != nil {
		return nil, err
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local offer: %w", err)
	}

	return &domain.Description{
		Kind:      domain.DescriptionOffer,
		SDP:       offer.SDP,
		MediaKind: actual,
	}, nil
}

func (e *Engine) CreateAnswer(ctx context.Context, offer *domain.Description) (*domain.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return nil, fmt.Errorf("failed to set remote offer: %w", err)
	}

	// The answer's declared kind comes from what was actually acquired, not
	// from the caller's request.
	actual, err := e.attachTracks(offer.MediaKind)
	if err != nil {
		return nil, err
	}

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local answer: %w", err)
	}

	return &domain.Description{
		Kind:      domain.DescriptionAnswer,
		SDP:       answer.SDP,
		MediaKind: actual,
	}, nil
}

func (e *Engine) AcceptAnswer(ctx context.Context, answer *domain.Description) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (e *Engine) AddCandidate(ctx context.Context, cand *domain.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	mid := cand.SDPMid
	mline := cand.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Payload,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

func (e *Engine) SetMuted(muted bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.audioSender == nil {
		return
	}
	var err error
	if muted {
		err = e.audioSender.ReplaceTrack(nil)
	} else {
		err = e.audioSender.ReplaceTrack(e.audioTrack)
	}
	if err != nil {
		e.logger.Warnw("failed to toggle mute", "muted", muted, "error", err)
	}
}

func (e *Engine) SetCameraEnabled(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.videoSender == nil {
		return
	}
	var err error
	if enabled {
		err = e.videoSender.ReplaceTrack(e.videoTrack)
	} else {
		err = e.videoSender.ReplaceTrack(nil)
	}
	if err != nil {
		e.logger.Warnw("failed to toggle camera", "enabled", enabled, "error", err)
	}
}

// Close releases local tracks and the connection synchronously, so capture
// devices never leak across repeated calls.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.audioTrack = nil
	e.videoTrack = nil
	e.audioSender = nil
	e.videoSender = nil
	if err := e.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
