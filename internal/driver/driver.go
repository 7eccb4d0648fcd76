// Package driver is the endpoint-local negotiation logic: it owns the call
// phase as seen by one endpoint, acquires the media capability, and speaks
// the signaling protocol to the relay.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/arjn/fieldlink/internal/core"
	"github.com/arjn/fieldlink/internal/domain"
	"github.com/arjn/fieldlink/internal/protocol"
)

var (
	// ErrAlreadyInCall is the local guard: starting a call while not idle
	// sends nothing.
	ErrAlreadyInCall = errors.New("already in call")
	// ErrNotConnected means the driver has no transport yet.
	ErrNotConnected = errors.New("not connected to relay")
)

// Transport delivers envelopes to the relay.
type Transport interface {
	Send(protocol.Envelope) error
}

// MediaFactory acquires the local media capability for one call attempt.
// Failures map to the media layer's unavailability error and abort the
// attempt before any signaling message is sent.
type MediaFactory func(ctx context.Context) (core.MediaSession, error)

// StateFunc observes call phase changes for the presentation layer.
type StateFunc func(phase domain.CallPhase, peer domain.EndpointID)

type Driver struct {
	id      domain.EndpointID
	media   MediaFactory
	policy  DecisionPolicy
	onState StateFunc

	mu    sync.Mutex
	tr    Transport
	phase domain.CallPhase
	peer  domain.EndpointID
	sess  core.MediaSession

	ready     chan struct{}
	readyOnce sync.Once
}

func New(id domain.EndpointID, media MediaFactory, policy DecisionPolicy, onState StateFunc) *Driver {
	if policy == nil {
		policy = AcceptAll{}
	}
	return &Driver{
		id:      id,
		media:   media,
		policy:  policy,
		onState: onState,
		phase:   domain.PhaseIdle,
		ready:   make(chan struct{}),
	}
}

func (d *Driver) ID() domain.EndpointID { return d.id }

// Bind attaches the transport. Call before StartCall.
func (d *Driver) Bind(tr Transport) {
	d.mu.Lock()
	d.tr = tr
	d.mu.Unlock()
	d.readyOnce.Do(func() { close(d.ready) })
}

// WaitReady blocks until the driver has a transport bound.
func (d *Driver) WaitReady(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Phase returns this endpoint's current call phase.
func (d *Driver) Phase() domain.CallPhase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// StartCall acquires media, produces the local description and sends the
// offer. A driver that is not idle refuses locally with ErrAlreadyInCall
// and sends nothing; a media failure also aborts before signaling.
func (d *Driver) StartCall(ctx context.Context, target domain.EndpointID) error {
	d.mu.Lock()
	if d.tr == nil {
		d.mu.Unlock()
		return ErrNotConnected
	}
	if d.phase != domain.PhaseIdle {
		d.mu.Unlock()
		return ErrAlreadyInCall
	}
	d.phase = domain.PhaseOffering
	d.peer = target
	d.mu.Unlock()

	sess, err := d.acquireMedia(ctx, target)
	if err != nil {
		d.abortAttempt(target)
		return err
	}

	offer, err := sess.CreateOffer()
	if err != nil {
		sess.Close()
		d.abortAttempt(target)
		return fmt.Errorf("create offer: %w", err)
	}

	d.mu.Lock()
	if d.phase != domain.PhaseOffering || d.peer != target {
		// The peer's crossing offer won while media was coming up; that
		// call owns the driver now and this attempt is discarded.
		d.mu.Unlock()
		sess.Close()
		log.Info().Str("module", "driver").Str("peer", string(target)).Msg("outgoing attempt superseded during media setup")
		return nil
	}
	d.sess = sess
	tr := d.tr
	d.mu.Unlock()

	d.notify(domain.PhaseOffering, target)
	if err := tr.Send(protocol.Envelope{
		Kind:    protocol.KindOffer,
		To:      string(target),
		Payload: sdpPayload(*offer),
	}); err != nil {
		d.mu.Lock()
		if d.sess == sess {
			d.teardownLocked()
		} else {
			sess.Close()
		}
		d.mu.Unlock()
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// EndCall hangs up. Idempotent: ending while idle is a no-op and sends no
// second notification.
func (d *Driver) EndCall() {
	d.mu.Lock()
	if d.phase == domain.PhaseIdle {
		d.mu.Unlock()
		return
	}
	peer := d.peer
	tr := d.tr
	d.teardownLocked()
	d.mu.Unlock()

	if tr != nil {
		_ = tr.Send(protocol.Envelope{
			Kind:    protocol.KindEnd,
			To:      string(peer),
			Payload: reasonPayload(domain.ReasonHangup),
		})
	}
	d.notify(domain.PhaseEnded, peer)
	d.notify(domain.PhaseIdle, "")
}

// HandleEnvelope routes one inbound envelope from the relay.
func (d *Driver) HandleEnvelope(ctx context.Context, env protocol.Envelope) {
	from := domain.EndpointID(env.From)
	switch env.Kind {
	case protocol.KindOffer:
		d.handleOffer(ctx, from, env.Payload)
	case protocol.KindAnswer:
		d.handleAnswer(from, env.Payload)
	case protocol.KindCandidate:
		d.handleCandidate(from, env.Payload)
	case protocol.KindReject, protocol.KindEnd:
		d.handlePeerEnd(from, env.Reason())
	default:
		log.Warn().Str("module", "driver").Str("kind", string(env.Kind)).Msg("unexpected envelope kind")
	}
}

func (d *Driver) handleOffer(ctx context.Context, from domain.EndpointID, payload json.RawMessage) {
	offer, err := parseSDP(payload, webrtc.SDPTypeOffer)
	if err != nil {
		log.Warn().Err(err).Str("module", "driver").Msg("bad offer payload")
		return
	}

	d.mu.Lock()
	switch {
	case d.phase == domain.PhaseIdle:
	case d.phase == domain.PhaseOffering && d.peer == from:
		// Glare resolved against us: withdraw the local attempt and ring
		// against the winning offer instead.
		log.Info().Str("module", "driver").Str("peer", string(from)).Msg("withdrawing offer after glare loss")
		if d.sess != nil {
			d.sess.Close()
			d.sess = nil
		}
	default:
		d.mu.Unlock()
		log.Warn().Str("module", "driver").Str("from", string(from)).Msg("offer while busy, ignoring")
		return
	}
	d.phase = domain.PhaseRinging
	d.peer = from
	tr := d.tr
	d.mu.Unlock()

	d.notify(domain.PhaseRinging, from)

	if !d.policy.OnIncomingOffer(from) {
		d.mu.Lock()
		d.teardownLocked()
		d.mu.Unlock()
		_ = tr.Send(protocol.Envelope{
			Kind:    protocol.KindReject,
			To:      string(from),
			Payload: reasonPayload(domain.ReasonDeclined),
		})
		d.notify(domain.PhaseIdle, "")
		return
	}

	sess, err := d.acquireMedia(ctx, from)
	if err != nil {
		log.Error().Err(err).Str("module", "driver").Msg("media unavailable, rejecting call")
		d.mu.Lock()
		d.teardownLocked()
		d.mu.Unlock()
		_ = tr.Send(protocol.Envelope{
			Kind:    protocol.KindReject,
			To:      string(from),
			Payload: reasonPayload(domain.ReasonDeclined),
		})
		d.notify(domain.PhaseIdle, "")
		return
	}

	answer, err := sess.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		log.Error().Err(err).Str("module", "driver").Msg("apply offer")
		sess.Close()
		d.mu.Lock()
		d.teardownLocked()
		d.mu.Unlock()
		d.notify(domain.PhaseIdle, "")
		return
	}

	d.mu.Lock()
	d.sess = sess
	d.phase = domain.PhaseConnected
	d.mu.Unlock()

	_ = tr.Send(protocol.Envelope{
		Kind:    protocol.KindAnswer,
		To:      string(from),
		Payload: sdpPayload(*answer),
	})
	d.notify(domain.PhaseConnected, from)
}

func (d *Driver) handleAnswer(from domain.EndpointID, payload json.RawMessage) {
	answer, err := parseSDP(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		log.Warn().Err(err).Str("module", "driver").Msg("bad answer payload")
		return
	}

	d.mu.Lock()
	if d.phase != domain.PhaseOffering || d.peer != from || d.sess == nil {
		d.mu.Unlock()
		log.Warn().Str("module", "driver").Str("from", string(from)).Msg("answer without matching offer")
		return
	}
	sess := d.sess
	d.phase = domain.PhaseConnected
	d.mu.Unlock()

	if err := sess.ApplyAnswer(answer); err != nil {
		log.Error().Err(err).Str("module", "driver").Msg("apply answer")
	}
	d.notify(domain.PhaseConnected, from)
}

func (d *Driver) handleCandidate(from domain.EndpointID, payload json.RawMessage) {
	d.mu.Lock()
	sess := d.sess
	peer := d.peer
	d.mu.Unlock()

	if sess == nil || peer != from {
		// Candidates racing a dead or not-yet-created session are expected;
		// the media layer tolerates loss.
		log.Debug().Str("module", "driver").Str("from", string(from)).Msg("candidate without session dropped")
		return
	}
	var ci webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &ci); err != nil {
		log.Warn().Err(err).Str("module", "driver").Msg("bad candidate payload")
		return
	}
	// Duplicate or out-of-order candidates are not fatal.
	if err := sess.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "driver").Msg("add candidate")
	}
}

func (d *Driver) handlePeerEnd(from domain.EndpointID, reason string) {
	d.mu.Lock()
	if d.phase == domain.PhaseIdle || d.peer != from {
		d.mu.Unlock()
		return
	}
	d.teardownLocked()
	d.mu.Unlock()

	log.Info().Str("module", "driver").Str("peer", string(from)).Str("reason", reason).Msg("call ended by peer")
	d.notify(domain.PhaseEnded, from)
	d.notify(domain.PhaseIdle, "")
}

// acquireMedia builds and starts a media session wired to trickle local
// candidates to the given peer.
func (d *Driver) acquireMedia(ctx context.Context, peer domain.EndpointID) (core.MediaSession, error) {
	sess, err := d.media(ctx)
	if err != nil {
		return nil, err
	}
	sess.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		b, err := json.Marshal(ci)
		if err != nil {
			return
		}
		d.mu.Lock()
		tr := d.tr
		d.mu.Unlock()
		if tr == nil {
			return
		}
		_ = tr.Send(protocol.Envelope{
			Kind:    protocol.KindCandidate,
			To:      string(peer),
			Payload: b,
		})
	})
	sess.OnClosed(func() {
		d.mu.Lock()
		stale := d.sess == sess && d.phase != domain.PhaseIdle
		d.mu.Unlock()
		if stale {
			d.EndCall()
		}
	})
	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// teardownLocked releases media and resets state. Caller holds d.mu.
func (d *Driver) teardownLocked() {
	if d.sess != nil {
		d.sess.Close()
		d.sess = nil
	}
	d.phase = domain.PhaseIdle
	d.peer = ""
}

// abortAttempt tears down an outgoing attempt toward target, unless another
// call already took over the driver in the meantime.
func (d *Driver) abortAttempt(target domain.EndpointID) {
	d.mu.Lock()
	if d.phase == domain.PhaseOffering && d.peer == target {
		d.teardownLocked()
	}
	d.mu.Unlock()
}

func (d *Driver) notify(phase domain.CallPhase, peer domain.EndpointID) {
	if d.onState != nil {
		d.onState(phase, peer)
	}
}

func sdpPayload(desc webrtc.SessionDescription) json.RawMessage {
	b, _ := json.Marshal(protocol.SDP{Type: desc.Type.String(), SDP: desc.SDP})
	return b
}

func reasonPayload(reason string) json.RawMessage {
	b, _ := json.Marshal(protocol.ReasonPayload{Reason: reason})
	return b
}

func parseSDP(payload json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var s protocol.SDP
	if err := json.Unmarshal(payload, &s); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if s.Type != want.String() {
		return webrtc.SessionDescription{}, fmt.Errorf("unexpected sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return webrtc.SessionDescription{Type: want, SDP: s.SDP}, nil
}
