package driver

import "github.com/arjn/fieldlink/internal/domain"

// DecisionPolicy is the incoming-offer decision point: UI prompt, auto
// answer, do-not-disturb.
type DecisionPolicy interface {
	OnIncomingOffer(from domain.EndpointID) bool
}

// AcceptAll answers every incoming call.
type AcceptAll struct{}

func (AcceptAll) OnIncomingOffer(domain.EndpointID) bool { return true }

// DeclineAll rejects every incoming call.
type DeclineAll struct{}

func (DeclineAll) OnIncomingOffer(domain.EndpointID) bool { return false }

// DecisionFunc adapts a plain function to the policy interface.
type DecisionFunc func(from domain.EndpointID) bool

func (f DecisionFunc) OnIncomingOffer(from domain.EndpointID) bool { return f(from) }
