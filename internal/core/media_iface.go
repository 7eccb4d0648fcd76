package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaSession abstracts the peer-to-peer media capability for one call
// attempt. The signaling core never inspects SDP or candidates; it only
// moves them between a MediaSession and the relay.
type MediaSession interface {
	// Start configures internal callbacks and binds the session lifetime to ctx.
	Start(ctx context.Context) error
	// Close stops all underlying media resources. Safe to call twice.
	Close()
	// CreateOffer produces the local description for an outgoing call.
	CreateOffer() (*webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote description on the offering side.
	ApplyAnswer(webrtc.SessionDescription) error
	// ApplyOfferAndCreateAnswer applies a remote offer and produces the local answer.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// AddICECandidate applies a remote ICE candidate. Duplicates are tolerated.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnConnected sets a callback fired once the peer connection is up.
	OnConnected(func())
	// OnClosed sets a callback for cleanup when the media session dies.
	OnClosed(func())
}
