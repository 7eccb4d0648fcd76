// Package protocol defines the signaling envelope exchanged between
// endpoints and the relay. Payloads (SDP, ICE candidates) are opaque here;
// this package models the wire surface, not the media implementation.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type Kind string

const (
	KindJoin      Kind = "join"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindReject    Kind = "reject"
	KindEnd       Kind = "end"
)

var (
	ErrUnknownKind    = errors.New("protocol: unknown envelope kind")
	ErrMissingFrom    = errors.New("protocol: missing from")
	ErrMissingTo      = errors.New("protocol: missing to")
	ErrUnexpectedTo   = errors.New("protocol: unexpected to")
	ErrMissingPayload = errors.New("protocol: missing payload")
)

// Envelope is one signaling message. From is stamped by the relay on
// delivery; the only place a sender-supplied From is honored is the join
// envelope, where it carries the endpoint identifier being registered.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Parse decodes and validates a single envelope. Unknown fields and
// trailing data are rejected so malformed frames fail loudly at the edge.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("protocol: unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	switch e.Kind {
	case KindJoin:
		if e.From == "" {
			return ErrMissingFrom
		}
		if e.To != "" {
			return ErrUnexpectedTo
		}
	case KindOffer, KindAnswer, KindCandidate:
		if e.To == "" {
			return ErrMissingTo
		}
		if len(e.Payload) == 0 {
			return ErrMissingPayload
		}
	case KindReject, KindEnd:
		if e.To == "" {
			return ErrMissingTo
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	return nil
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// ReasonPayload is the body of reject and end envelopes.
type ReasonPayload struct {
	Reason string `json:"reason"`
}

// Reason extracts the reason from a reject/end payload; empty when absent.
func (e Envelope) Reason() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var p ReasonPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.Reason
}

func encodeReason(reason string) json.RawMessage {
	b, _ := json.Marshal(ReasonPayload{Reason: reason})
	return b
}

// NewReject builds a relay-stamped reject envelope.
func NewReject(from, to, reason string) Envelope {
	return Envelope{Kind: KindReject, From: from, To: to, Payload: encodeReason(reason)}
}

// NewEnd builds a relay-stamped end envelope.
func NewEnd(from, to, reason string) Envelope {
	return Envelope{Kind: KindEnd, From: from, To: to, Payload: encodeReason(reason)}
}

// SDP is the JSON shape of offer/answer payloads. The relay never decodes
// it; clients do.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}
