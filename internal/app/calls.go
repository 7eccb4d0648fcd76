package app

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arjn/fieldlink/internal/domain"
	"github.com/arjn/fieldlink/internal/protocol"
)

// Outbound is a committed state transition's side effect: one envelope the
// relay must attempt to deliver. Delivery happens after the table lock is
// released; it is never part of the transition itself.
type Outbound struct {
	To  domain.EndpointID
	Env protocol.Envelope
}

// CallInfo is a read-only view of an active call for the REST API.
type CallInfo struct {
	Initiator domain.EndpointID `json:"initiator"`
	Responder domain.EndpointID `json:"responder"`
	Phase     domain.CallPhase  `json:"phase"`
	Since     time.Time         `json:"since"`
}

// callRecord is the single shared record of one call attempt. Both parties'
// table entries point at the same record; the per-endpoint OFFERING/RINGING
// view derives from role plus phase.
type callRecord struct {
	call     *domain.Call
	phase    domain.CallPhase
	deadline time.Time                       // answer due by; zero once connected
	detached map[domain.EndpointID]time.Time // disconnect grace marks
}

type pendingCandidate struct {
	from    domain.EndpointID
	payload json.RawMessage
}

// CallTable is the session state machine: every transition commits under one
// lock so a consistent read of both parties' phase precedes every guard
// (two simultaneous offers can never both succeed).
type CallTable struct {
	mu         sync.Mutex
	byEndpoint map[domain.EndpointID]*callRecord
	pending    map[domain.EndpointID][]pendingCandidate

	offerTimeout time.Duration
	grace        time.Duration
	bufferLimit  int
}

func NewCallTable(offerTimeout, reconnectGrace time.Duration, candidateBuffer int) *CallTable {
	return &CallTable{
		byEndpoint:   make(map[domain.EndpointID]*callRecord),
		pending:      make(map[domain.EndpointID][]pendingCandidate),
		offerTimeout: offerTimeout,
		grace:        reconnectGrace,
		bufferLimit:  candidateBuffer,
	}
}

// Offer runs the outgoing-offer transition for from→to.
//
// Guards, in order: a sender already in a call is rejected locally with
// ErrAlreadyInCall and nothing is sent; a busy target produces a reject/busy
// back to the sender; simultaneous bidirectional offers (glare) resolve by
// lexicographic identifier order: the smaller id wins as initiator and the
// loser's offer is dropped.
func (t *CallTable) Offer(from, to domain.EndpointID, payload json.RawMessage, now time.Time) ([]Outbound, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if from == to {
		return []Outbound{{To: from, Env: protocol.NewReject(string(to), string(from), domain.ReasonBusy)}}, ErrBusy
	}

	if rec := t.byEndpoint[from]; rec != nil {
		if rec.phase == domain.PhaseOffering && rec.call.Initiator == to && rec.call.Responder == from {
			// Glare: the offers crossed. The endpoint whose identifier sorts
			// first becomes the initiator; the record is reversed and the
			// winning offer forwarded. The losing side's drop also absorbs
			// its withdrawn offer still in flight after a reversal.
			if from < to {
				rec.call.Initiator = from
				rec.call.Responder = to
				rec.deadline = now.Add(t.offerTimeout)
				log.Info().Str("module", "app.calls").Str("winner", string(from)).Str("loser", string(to)).Msg("glare resolved, direction reversed")
				outs := []Outbound{{To: to, Env: protocol.Envelope{Kind: protocol.KindOffer, From: string(from), To: string(to), Payload: payload}}}
				return append(outs, t.flushPendingLocked(rec)...), nil
			}
			log.Info().Str("module", "app.calls").Str("winner", string(to)).Str("loser", string(from)).Msg("glare resolved, dropping losing offer")
			return nil, nil
		}
		return nil, ErrAlreadyInCall
	}

	if t.byEndpoint[to] != nil {
		return []Outbound{{To: from, Env: protocol.NewReject(string(to), string(from), domain.ReasonBusy)}}, ErrBusy
	}

	rec := &callRecord{
		call:     &domain.Call{Initiator: from, Responder: to, CreatedAt: now},
		phase:    domain.PhaseOffering,
		deadline: now.Add(t.offerTimeout),
		detached: make(map[domain.EndpointID]time.Time),
	}
	t.byEndpoint[from] = rec
	t.byEndpoint[to] = rec
	log.Info().Str("module", "app.calls").Str("initiator", string(from)).Str("responder", string(to)).Msg("call created")

	outs := []Outbound{{To: to, Env: protocol.Envelope{Kind: protocol.KindOffer, From: string(from), To: string(to), Payload: payload}}}
	return append(outs, t.flushPendingLocked(rec)...), nil
}

// Answer moves the call to connected. Only the responder of an offering
// call may answer.
func (t *CallTable) Answer(from domain.EndpointID, payload json.RawMessage) ([]Outbound, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.byEndpoint[from]
	if rec == nil || rec.phase != domain.PhaseOffering || rec.call.Responder != from {
		return nil, ErrNotInCall
	}
	rec.phase = domain.PhaseConnected
	rec.deadline = time.Time{}
	log.Info().Str("module", "app.calls").Str("initiator", string(rec.call.Initiator)).Str("responder", string(from)).Msg("call connected")
	return []Outbound{{To: rec.call.Initiator, Env: protocol.Envelope{
		Kind: protocol.KindAnswer, From: string(from), To: string(rec.call.Initiator), Payload: payload,
	}}}, nil
}

// Reject destroys an offering call from the responder side and notifies the
// initiator. Reason defaults to declined.
func (t *CallTable) Reject(from domain.EndpointID, reason string) ([]Outbound, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.byEndpoint[from]
	if rec == nil || rec.phase != domain.PhaseOffering || rec.call.Responder != from {
		return nil, ErrNotInCall
	}
	if reason == "" {
		reason = domain.ReasonDeclined
	}
	t.purgeLocked(rec)
	log.Info().Str("module", "app.calls").Str("responder", string(from)).Str("reason", reason).Msg("call rejected")
	return []Outbound{{To: rec.call.Initiator, Env: protocol.NewReject(string(from), string(rec.call.Initiator), reason)}}, nil
}

// Candidate relays a connectivity candidate to the sender's call peer.
// Candidates racing ahead of the offer are buffered per destination up to
// the configured bound; overflow is dropped, never fatal. Candidates
// addressed outside the sender's call are dropped.
func (t *CallTable) Candidate(from, to domain.EndpointID, payload json.RawMessage) []Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec := t.byEndpoint[from]; rec != nil {
		if rec.call.Peer(from) != to {
			log.Warn().Str("module", "app.calls").Str("from", string(from)).Str("to", string(to)).Msg("candidate outside active call dropped")
			return nil
		}
		return []Outbound{{To: to, Env: protocol.Envelope{Kind: protocol.KindCandidate, From: string(from), To: string(to), Payload: payload}}}
	}

	if t.byEndpoint[to] != nil {
		// Destination is mid-call with someone else; never leak to a third party.
		return nil
	}

	buf := t.pending[to]
	if len(buf) >= t.bufferLimit {
		log.Debug().Str("module", "app.calls").Str("to", string(to)).Msg("candidate buffer full, dropping")
		return nil
	}
	t.pending[to] = append(buf, pendingCandidate{from: from, payload: payload})
	return nil
}

// End destroys the sender's call from any phase and notifies the peer.
// Idempotent: ending with no call in progress is a no-op.
func (t *CallTable) End(from domain.EndpointID, reason string) []Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.byEndpoint[from]
	if rec == nil {
		return nil
	}
	if reason == "" {
		reason = domain.ReasonHangup
	}
	peer := rec.call.Peer(from)
	t.purgeLocked(rec)
	log.Info().Str("module", "app.calls").Str("endpoint", string(from)).Str("reason", reason).Msg("call ended")
	return []Outbound{{To: peer, Env: protocol.NewEnd(string(from), string(peer), reason)}}
}

// Disconnect marks an endpoint's transport as gone. With a reconnect grace
// configured the call survives until the grace elapses without a re-register;
// with zero grace it ends immediately.
func (t *CallTable) Disconnect(id domain.EndpointID, now time.Time) []Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.pending, id)
	rec := t.byEndpoint[id]
	if rec == nil {
		return nil
	}
	if t.grace > 0 {
		rec.detached[id] = now
		log.Info().Str("module", "app.calls").Str("endpoint", string(id)).Dur("grace", t.grace).Msg("party detached, grace window open")
		return nil
	}
	peer := rec.call.Peer(id)
	t.purgeLocked(rec)
	log.Info().Str("module", "app.calls").Str("endpoint", string(id)).Msg("call ended by disconnect")
	return []Outbound{{To: peer, Env: protocol.NewEnd(string(id), string(peer), domain.ReasonDisconnected)}}
}

// Reattach clears a detach mark after the endpoint re-registered in time.
func (t *CallTable) Reattach(id domain.EndpointID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec := t.byEndpoint[id]; rec != nil {
		if _, ok := rec.detached[id]; ok {
			delete(rec.detached, id)
			log.Info().Str("module", "app.calls").Str("endpoint", string(id)).Msg("party reattached within grace")
		}
	}
}

// Sweep expires unanswered offers and detach grace windows. The caller
// injects now so tests control time.
func (t *CallTable) Sweep(now time.Time) []Outbound {
	t.mu.Lock()
	defer t.mu.Unlock()

	var outs []Outbound
	for _, rec := range t.uniqueRecordsLocked() {
		if rec.phase == domain.PhaseOffering && !rec.deadline.IsZero() && now.After(rec.deadline) {
			t.purgeLocked(rec)
			log.Info().Str("module", "app.calls").Str("initiator", string(rec.call.Initiator)).Str("responder", string(rec.call.Responder)).Msg("call timed out")
			outs = append(outs,
				Outbound{To: rec.call.Initiator, Env: protocol.NewEnd(string(rec.call.Responder), string(rec.call.Initiator), domain.ReasonTimeout)},
				Outbound{To: rec.call.Responder, Env: protocol.NewEnd(string(rec.call.Initiator), string(rec.call.Responder), domain.ReasonTimeout)},
			)
			continue
		}
		for id, at := range rec.detached {
			if now.Sub(at) >= t.grace {
				peer := rec.call.Peer(id)
				t.purgeLocked(rec)
				log.Info().Str("module", "app.calls").Str("endpoint", string(id)).Msg("grace expired, call ended")
				outs = append(outs, Outbound{To: peer, Env: protocol.NewEnd(string(id), string(peer), domain.ReasonDisconnected)})
				break
			}
		}
	}
	return outs
}

// PhaseOf derives the per-endpoint view of the state machine.
func (t *CallTable) PhaseOf(id domain.EndpointID) domain.CallPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.byEndpoint[id]
	if rec == nil {
		return domain.PhaseIdle
	}
	if rec.phase == domain.PhaseOffering {
		if rec.call.Initiator == id {
			return domain.PhaseOffering
		}
		return domain.PhaseRinging
	}
	return rec.phase
}

// Snapshot lists active calls for the REST API.
func (t *CallTable) Snapshot() []CallInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	recs := t.uniqueRecordsLocked()
	out := make([]CallInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, CallInfo{
			Initiator: rec.call.Initiator,
			Responder: rec.call.Responder,
			Phase:     rec.phase,
			Since:     rec.call.CreatedAt,
		})
	}
	return out
}

func (t *CallTable) uniqueRecordsLocked() []*callRecord {
	seen := make(map[*callRecord]bool, len(t.byEndpoint))
	var recs []*callRecord
	for _, rec := range t.byEndpoint {
		if !seen[rec] {
			seen[rec] = true
			recs = append(recs, rec)
		}
	}
	return recs
}

// purgeLocked removes a record and its candidate buffers. A table entry that
// no longer points at the record means the two maps disagree, which is a
// programming error: it is logged and the stray entry force-purged.
func (t *CallTable) purgeLocked(rec *callRecord) {
	for _, id := range []domain.EndpointID{rec.call.Initiator, rec.call.Responder} {
		if cur, ok := t.byEndpoint[id]; ok && cur != rec {
			log.Error().Str("module", "app.calls").Str("endpoint", string(id)).Msg("invariant violation: endpoint mapped to foreign call record, force purging")
		}
		delete(t.byEndpoint, id)
		delete(t.pending, id)
	}
}

// flushPendingLocked drains buffered candidates for both parties of a newly
// created call, in arrival order. Entries from anyone but the call peer are
// dropped.
func (t *CallTable) flushPendingLocked(rec *callRecord) []Outbound {
	var outs []Outbound
	for _, dst := range []domain.EndpointID{rec.call.Initiator, rec.call.Responder} {
		peer := rec.call.Peer(dst)
		for _, pc := range t.pending[dst] {
			if pc.from != peer {
				continue
			}
			outs = append(outs, Outbound{To: dst, Env: protocol.Envelope{
				Kind: protocol.KindCandidate, From: string(pc.from), To: string(dst), Payload: pc.payload,
			}})
		}
		delete(t.pending, dst)
	}
	return outs
}
