package rtc

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/arjn/fieldlink/internal/core"
)

// ErrMediaUnavailable surfaces a local device or permission failure before
// any signaling traffic is produced.
var ErrMediaUnavailable = errors.New("media unavailable")

// Config builds the PeerConnection configuration for one STUN server.
func Config(stunURL string) webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{stunURL}},
		},
	}
}

// MediaSession wraps one pion PeerConnection carrying a single outbound
// audio track. It implements core.MediaSession for the negotiation driver.
type MediaSession struct {
	pc    *webrtc.PeerConnection
	label string
	audio *webrtc.TrackLocalStaticRTP

	cancel      context.CancelFunc
	onICE       func(webrtc.ICECandidateInit)
	onConnected func()
	onClosed    func()
}

// Acquire models acquiring the local audio capability: it builds the
// PeerConnection and attaches the local track. Any failure here maps to
// ErrMediaUnavailable and must abort the call attempt before signaling.
func Acquire(cfg webrtc.Configuration, label string) (*MediaSession, error) {
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine()))
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", label,
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	if _, err := pc.AddTrack(audio); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	return &MediaSession{pc: pc, label: label, audio: audio}, nil
}

func (m *MediaSession) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("label", m.label).Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICEConnectionStateDisconnected ||
			s == webrtc.ICEConnectionStateFailed ||
			s == webrtc.ICEConnectionStateClosed {
			cancel()
		}
	})

	m.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("label", m.label).Str("peer_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if m.onConnected != nil {
				m.onConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			if m.onClosed != nil {
				m.onClosed()
			}
		}
	})

	m.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && m.onICE != nil {
			m.onICE(cand.ToJSON())
		}
	})

	m.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("label", m.label).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		go drainTrack(ctx, track)
	})

	// No microphone capture in the CLI: feed timed opus silence so the
	// track stays alive end to end.
	go feedSilence(ctx, m.audio)

	return nil
}

// CreateOffer produces and installs the local description for an outgoing
// call. Candidates trickle afterwards via OnICECandidate.
func (m *MediaSession) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

func (m *MediaSession) ApplyAnswer(answer webrtc.SessionDescription) error {
	return m.pc.SetRemoteDescription(answer)
}

func (m *MediaSession) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := m.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

// AddICECandidate applies a remote candidate. Duplicates and late arrivals
// are tolerated by the ICE agent; errors are the caller's to log, not fatal.
func (m *MediaSession) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return m.pc.AddICECandidate(ci)
}

func (m *MediaSession) OnICECandidate(fn func(webrtc.ICECandidateInit)) { m.onICE = fn }
func (m *MediaSession) OnConnected(fn func())                          { m.onConnected = fn }
func (m *MediaSession) OnClosed(fn func())                             { m.onClosed = fn }

func (m *MediaSession) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.pc != nil {
		if err := m.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("label", m.label).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("label", m.label).Msg("closed")
		}
	}
}

var _ core.MediaSession = (*MediaSession)(nil)

// drainTrack reads and discards inbound RTP; the CLI has no playback device.
func drainTrack(ctx context.Context, track *webrtc.TrackRemote) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
