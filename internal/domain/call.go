package domain

import "time"

// CallPhase is the per-endpoint view of a call attempt.
type CallPhase string

const (
	PhaseIdle      CallPhase = "idle"
	PhaseOffering  CallPhase = "offering"
	PhaseRinging   CallPhase = "ringing"
	PhaseConnected CallPhase = "connected"
	PhaseEnded     CallPhase = "ended"
)

// Reasons carried in reject/end payloads.
const (
	ReasonBusy         = "busy"
	ReasonUnreachable  = "unreachable"
	ReasonDeclined     = "declined"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "disconnected"
	ReasonHangup       = "hangup"
)

// Call is the meta of one call attempt between exactly two endpoints.
type Call struct {
	Initiator EndpointID
	Responder EndpointID
	CreatedAt time.Time
}

// Peer returns the other party, or "" if id is not part of the call.
func (c *Call) Peer(id EndpointID) EndpointID {
	switch id {
	case c.Initiator:
		return c.Responder
	case c.Responder:
		return c.Initiator
	}
	return ""
}

// Has reports whether id is one of the two parties.
func (c *Call) Has(id EndpointID) bool {
	return id == c.Initiator || id == c.Responder
}
