package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arjn/fieldlink/internal/core"
	"github.com/arjn/fieldlink/internal/domain"
	"github.com/arjn/fieldlink/internal/protocol"
)

// Coordinator is the message relay: it stamps the verified sender on every
// envelope, runs it through the call table, and dispatches the committed
// side effects. No envelope is ever forwarded with a caller-supplied from.
type Coordinator struct {
	Registry *Registry
	Calls    *CallTable
	Limiter  *OfferRateLimiter

	// SweepEvery is the janitor tick for timeouts and grace windows.
	SweepEvery time.Duration
}

// OnJoin binds an endpoint to its fresh connection. A replaced connection is
// closed here (its read loop will observe the close and unregister, which is
// a no-op for a stale binding). Rebinding does not end an in-progress call.
func (c *Coordinator) OnJoin(id domain.EndpointID, conn core.SignalConnection) {
	if prev := c.Registry.Register(id, conn); prev != nil {
		prev.Close()
	}
	c.Calls.Reattach(id)
}

// OnDisconnect is invoked by the transport adapter when a connection dies.
func (c *Coordinator) OnDisconnect(conn core.SignalConnection) {
	id, ok := c.Registry.Unregister(conn)
	if !ok {
		return
	}
	if c.Limiter != nil {
		c.Limiter.Forget(id)
	}
	c.deliver(c.Calls.Disconnect(id, time.Now()))
}

// HandleEnvelope routes one validated inbound envelope from sender.
func (c *Coordinator) HandleEnvelope(sender domain.EndpointID, env protocol.Envelope) {
	to, err := domain.ParseEndpointID(env.To)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("from", string(sender)).Str("kind", string(env.Kind)).Msg("bad destination, dropping")
		return
	}

	switch env.Kind {
	case protocol.KindOffer:
		c.handleOffer(sender, to, env)
	case protocol.KindAnswer:
		outs, err := c.Calls.Answer(sender, env.Payload)
		if err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Str("from", string(sender)).Msg("answer dropped")
			return
		}
		c.deliver(outs)
	case protocol.KindCandidate:
		c.deliver(c.Calls.Candidate(sender, to, env.Payload))
	case protocol.KindReject:
		outs, err := c.Calls.Reject(sender, env.Reason())
		if err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Str("from", string(sender)).Msg("reject dropped")
			return
		}
		c.deliver(outs)
	case protocol.KindEnd:
		c.deliver(c.Calls.End(sender, env.Reason()))
	default:
		log.Warn().Str("module", "app.coordinator").Str("kind", string(env.Kind)).Msg("unroutable envelope kind")
	}
}

func (c *Coordinator) handleOffer(sender, to domain.EndpointID, env protocol.Envelope) {
	if _, ok := c.Registry.Resolve(to); !ok {
		log.Info().Str("module", "app.coordinator").Str("from", string(sender)).Str("to", string(to)).Msg("offer target unreachable")
		c.sendTo(sender, protocol.NewReject(string(to), string(sender), domain.ReasonUnreachable))
		return
	}
	if c.Limiter != nil && !c.Limiter.Allow(sender) {
		log.Warn().Str("module", "app.coordinator").Str("from", string(sender)).Err(ErrRateLimited).Msg("offer dropped")
		c.sendTo(sender, protocol.NewReject(string(to), string(sender), domain.ReasonBusy))
		return
	}
	outs, err := c.Calls.Offer(sender, to, env.Payload, time.Now())
	if errors.Is(err, ErrAlreadyInCall) {
		// Local guard violation: nothing is sent to the peer.
		log.Warn().Str("module", "app.coordinator").Str("from", string(sender)).Err(err).Msg("offer refused")
		return
	}
	c.deliver(outs)
}

// deliver dispatches committed outbound envelopes, after the transition.
// Unreachable targets cost offers and answers a reject/unreachable back to
// the sender (and the dead call record is purged); candidate and end
// deliveries fail silently, per at-most-once semantics.
func (c *Coordinator) deliver(outs []Outbound) {
	for _, out := range outs {
		conn, ok := c.Registry.Resolve(out.To)
		if !ok {
			switch out.Env.Kind {
			case protocol.KindOffer, protocol.KindAnswer:
				sender := domain.EndpointID(out.Env.From)
				c.Calls.End(sender, domain.ReasonUnreachable)
				c.sendTo(sender, protocol.NewReject(string(out.To), string(sender), domain.ReasonUnreachable))
			default:
				log.Debug().Str("module", "app.coordinator").Str("to", string(out.To)).Str("kind", string(out.Env.Kind)).Msg("destination gone, dropping")
			}
			continue
		}
		b, err := out.Env.Encode()
		if err != nil {
			log.Error().Err(err).Str("module", "app.coordinator").Msg("encode outbound")
			continue
		}
		if err := conn.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Str("to", string(out.To)).Str("kind", string(out.Env.Kind)).Msg("send failed, dropping")
		}
	}
}

func (c *Coordinator) sendTo(id domain.EndpointID, env protocol.Envelope) {
	c.deliver([]Outbound{{To: id, Env: env}})
}

// Run drives the sweep ticker until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	every := c.SweepEvery
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.deliver(c.Calls.Sweep(time.Now()))
		}
	}
}
