package app

import (
	"errors"
	"testing"
	"time"

	"github.com/arjn/fieldlink/internal/domain"
	"github.com/arjn/fieldlink/internal/protocol"
)

func newTable() *CallTable {
	return NewCallTable(30*time.Second, 5*time.Second, 4)
}

func TestOfferAnswerHappyPath(t *testing.T) {
	tbl := newTable()
	now := time.Unix(0, 0)

	outs, err := tbl.Offer("commander", "soldier1", sdpOffer(), now)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if len(outs) != 1 || outs[0].To != "soldier1" || outs[0].Env.Kind != protocol.KindOffer {
		t.Fatalf("Offer outbound: got %+v", outs)
	}
	if outs[0].Env.From != "commander" {
		t.Fatalf("Offer from stamp: got %q", outs[0].Env.From)
	}
	if got := tbl.PhaseOf("commander"); got != domain.PhaseOffering {
		t.Fatalf("initiator phase: got %v", got)
	}
	if got := tbl.PhaseOf("soldier1"); got != domain.PhaseRinging {
		t.Fatalf("responder phase: got %v", got)
	}

	outs, err = tbl.Answer("soldier1", sdpAnswer())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(outs) != 1 || outs[0].To != "commander" || outs[0].Env.Kind != protocol.KindAnswer {
		t.Fatalf("Answer outbound: got %+v", outs)
	}
	for _, id := range []domain.EndpointID{"commander", "soldier1"} {
		if got := tbl.PhaseOf(id); got != domain.PhaseConnected {
			t.Fatalf("phase of %s: got %v want connected", id, got)
		}
	}
}

func TestOfferWhileAlreadyInCall(t *testing.T) {
	tbl := newTable()
	now := time.Unix(0, 0)

	if _, err := tbl.Offer("commander", "soldier1", sdpOffer(), now); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	outs, err := tbl.Offer("commander", "soldier2", sdpOffer(), now)
	if !errors.Is(err, ErrAlreadyInCall) {
		t.Fatalf("second offer: got %v want ErrAlreadyInCall", err)
	}
	if len(outs) != 0 {
		t.Fatalf("local guard must send nothing, got %+v", outs)
	}
}

func TestOfferToBusyEndpoint(t *testing.T) {
	tbl := newTable()
	now := time.Unix(0, 0)

	mustOffer(t, tbl, "commander", "soldier1", now)
	mustAnswer(t, tbl, "soldier1")

	outs, err := tbl.Offer("soldier2", "soldier1", sdpOffer(), now)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("busy offer: got %v want ErrBusy", err)
	}
	if len(outs) != 1 || outs[0].To != "soldier2" || outs[0].Env.Kind != protocol.KindReject {
		t.Fatalf("busy outbound: got %+v", outs)
	}
	if outs[0].Env.Reason() != domain.ReasonBusy {
		t.Fatalf("busy reason: got %q", outs[0].Env.Reason())
	}
	// The standing call is untouched.
	if got := tbl.PhaseOf("soldier1"); got != domain.PhaseConnected {
		t.Fatalf("callee phase after busy offer: got %v", got)
	}
	if got := tbl.PhaseOf("soldier2"); got != domain.PhaseIdle {
		t.Fatalf("busy caller phase: got %v", got)
	}
}

func TestRejectReturnsBothToIdle(t *testing.T) {
	tbl := newTable()
	now := time.Unix(0, 0)

	mustOffer(t, tbl, "commander", "soldier1", now)
	outs, err := tbl.Reject("soldier1", "")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if len(outs) != 1 || outs[0].To != "commander" || outs[0].Env.Reason() != domain.ReasonDeclined {
		t.Fatalf("reject outbound: got %+v", outs)
	}
	for _, id := range []domain.EndpointID{"commander", "soldier1"} {
		if got := tbl.PhaseOf(id); got != domain.PhaseIdle {
			t.Fatalf("phase of %s after reject: got %v", id, got)
		}
	}

	// No stale session blocks an immediate retry.
	if _, err := tbl.Offer("commander", "soldier1", sdpOffer(), now); err != nil {
		t.Fatalf("re-offer after reject: %v", err)
	}
}

func TestRejectByInitiatorRefused(t *testing.T) {
	tbl := newTable()
	mustOffer(t, tbl, "commander", "soldier1", time.Unix(0, 0))
	if _, err := tbl.Reject("commander", ""); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("initiator reject: got %v want ErrNotInCall", err)
	}
	if _, err := tbl.Reject("soldier2", ""); !errors.Is(err, ErrNotInCall) {
		t.Fatalf("outsider reject: got %v want ErrNotInCall", err)
	}
}

func TestCandidateRelayAndThirdPartyDrop(t *testing.T) {
	tbl := newTable()
	now := time.Unix(0, 0)
	mustOffer(t, tbl, "commander", "soldier1", now)

	outs := tbl.Candidate("commander", "soldier1", candidatePayload("1"))
	if len(outs) != 1 || outs[0].To != "soldier1" || outs[0].Env.Kind != protocol.KindCandidate {
		t.Fatalf("candidate outbound: got %+v", outs)
	}

	// Candidate addressed outside the active call never reaches a third party.
	if outs := tbl.Candidate("commander", "soldier2", candidatePayload("2")); len(outs) != 0 {
		t.Fatalf("third-party candidate leaked: %+v", outs)
	}
	// Candidate from an outsider to a busy endpoint is dropped, not buffered.
	if outs := tbl.Candidate("soldier2", "soldier1", candidatePayload("3")); len(outs) != 0 {
		t.Fatalf("outsider candidate leaked: %+v", outs)
	}
}

func TestCandidateBufferBoundAndFlushOrder(t *testing.T) {
	tbl := newTable() // buffer bound 4
	now := time.Unix(0, 0)

	for i := 0; i < 5; i++ {
		if outs := tbl.Candidate("commander", "soldier1", candidatePayload(string(rune('a'+i)))); len(outs) != 0 {
			t.Fatalf("early candidate relayed without session: %+v", outs)
		}
	}

	outs, err := tbl.Offer("commander", "soldier1", sdpOffer(), now)
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	// One offer plus the four buffered candidates; the fifth was dropped.
	if len(outs) != 5 {
		t.Fatalf("flush: got %d outbounds want 5", len(outs))
	}
	if outs[0].Env.Kind != protocol.KindOffer {
		t.Fatalf("first outbound should be the offer, got %v", outs[0].Env.Kind)
	}
	for i, want := range []string{"a", "b", "c", "d"} {
		env := outs[i+1].Env
		if env.Kind != protocol.KindCandidate || env.To != "soldier1" {
			t.Fatalf("flushed candidate %d: got %+v", i, env)
		}
		if string(env.Payload) != string(candidatePayload(want)) {
			t.Fatalf("flush order: slot %d got %s", i, env.Payload)
		}
	}
}

func TestGlareLexicographicTieBreak(t *testing.T) {
	tbl := newTable()
	now := time.Unix(0, 0)

	// bravo dials first; alpha's crossing offer arrives second and wins the
	// tie-break (alpha sorts first).
	mustOffer(t, tbl, "bravo", "alpha", now)
	outs, err := tbl.Offer("alpha", "bravo", sdpOffer(), now)
	if err != nil {
		t.Fatalf("glare offer: %v", err)
	}
	if len(outs) != 1 || outs[0].To != "bravo" || outs[0].Env.Kind != protocol.KindOffer {
		t.Fatalf("glare outbound: got %+v", outs)
	}
	if outs[0].Env.From != "alpha" {
		t.Fatalf("reversed offer from stamp: got %q", outs[0].Env.From)
	}
	if got := tbl.PhaseOf("alpha"); got != domain.PhaseOffering {
		t.Fatalf("winner phase: got %v", got)
	}
	if got := tbl.PhaseOf("bravo"); got != domain.PhaseRinging {
		t.Fatalf("loser phase: got %v", got)
	}

	// bravo's in-flight offer is a withdrawn duplicate now: dropped silently.
	outs, err = tbl.Offer("bravo", "alpha", sdpOffer(), now)
	if err != nil || len(outs) != 0 {
		t.Fatalf("withdrawn offer: got outs=%+v err=%v", outs, err)
	}

	// The reversed call completes normally.
	if _, err := tbl.Answer("bravo", sdpAnswer()); err != nil {
		t.Fatalf("answer after glare: %v", err)
	}
}

func TestGlareLoserArrivesSecond(t *testing.T) {
	tbl := newTable()
	now := time.Unix(0, 0)

	// alpha dials first and keeps the initiator role; bravo's crossing offer
	// is simply dropped.
	mustOffer(t, tbl, "alpha", "bravo", now)
	outs, err := tbl.Offer("bravo", "alpha", sdpOffer(), now)
	if err != nil || len(outs) != 0 {
		t.Fatalf("losing glare offer: got outs=%+v err=%v", outs, err)
	}
	if got := tbl.PhaseOf("alpha"); got != domain.PhaseOffering {
		t.Fatalf("initiator phase: got %v", got)
	}
	if got := tbl.PhaseOf("bravo"); got != domain.PhaseRinging {
		t.Fatalf("responder phase: got %v", got)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	tbl := newTable()
	now := time.Unix(0, 0)

	mustOffer(t, tbl, "commander", "soldier1", now)
	mustAnswer(t, tbl, "soldier1")

	outs := tbl.End("commander", "")
	if len(outs) != 1 || outs[0].To != "soldier1" || outs[0].Env.Reason() != domain.ReasonHangup {
		t.Fatalf("end outbound: got %+v", outs)
	}
	// Second end produces no second notification and no error.
	if outs := tbl.End("commander", ""); len(outs) != 0 {
		t.Fatalf("second end produced notifications: %+v", outs)
	}
}

func TestOfferTimeoutSweep(t *testing.T) {
	tbl := newTable()
	start := time.Unix(0, 0)

	mustOffer(t, tbl, "commander", "soldier1", start)
	if outs := tbl.Sweep(start.Add(29 * time.Second)); len(outs) != 0 {
		t.Fatalf("premature sweep: %+v", outs)
	}
	outs := tbl.Sweep(start.Add(31 * time.Second))
	if len(outs) != 2 {
		t.Fatalf("timeout sweep: got %d outbounds want 2", len(outs))
	}
	for _, out := range outs {
		if out.Env.Kind != protocol.KindEnd || out.Env.Reason() != domain.ReasonTimeout {
			t.Fatalf("timeout outbound: got %+v", out.Env)
		}
	}
	for _, id := range []domain.EndpointID{"commander", "soldier1"} {
		if got := tbl.PhaseOf(id); got != domain.PhaseIdle {
			t.Fatalf("phase of %s after timeout: got %v", id, got)
		}
	}
}

func TestDisconnectGraceAndReattach(t *testing.T) {
	tbl := newTable() // 5s grace
	start := time.Unix(0, 0)

	mustOffer(t, tbl, "commander", "soldier1", start)
	mustAnswer(t, tbl, "soldier1")

	// Within the grace window the call survives.
	if outs := tbl.Disconnect("commander", start); len(outs) != 0 {
		t.Fatalf("disconnect with grace ended immediately: %+v", outs)
	}
	tbl.Reattach("commander")
	if outs := tbl.Sweep(start.Add(time.Minute)); len(outs) != 0 {
		t.Fatalf("reattached call swept: %+v", outs)
	}
	if got := tbl.PhaseOf("commander"); got != domain.PhaseConnected {
		t.Fatalf("phase after reattach: got %v", got)
	}

	// Without a reattach the grace expiry ends the call.
	tbl.Disconnect("commander", start)
	outs := tbl.Sweep(start.Add(5 * time.Second))
	if len(outs) != 1 || outs[0].To != "soldier1" || outs[0].Env.Reason() != domain.ReasonDisconnected {
		t.Fatalf("grace expiry outbound: got %+v", outs)
	}
	if got := tbl.PhaseOf("soldier1"); got != domain.PhaseIdle {
		t.Fatalf("peer phase after grace expiry: got %v", got)
	}
}

func TestDisconnectWithoutGraceEndsImmediately(t *testing.T) {
	tbl := NewCallTable(30*time.Second, 0, 4)
	start := time.Unix(0, 0)

	mustOffer(t, tbl, "commander", "soldier1", start)
	outs := tbl.Disconnect("commander", start)
	if len(outs) != 1 || outs[0].To != "soldier1" || outs[0].Env.Reason() != domain.ReasonDisconnected {
		t.Fatalf("immediate disconnect outbound: got %+v", outs)
	}
}

func TestAtMostOneCallPerEndpoint(t *testing.T) {
	tbl := newTable()
	now := time.Unix(0, 0)

	mustOffer(t, tbl, "commander", "soldier1", now)
	tbl.Offer("soldier2", "soldier1", sdpOffer(), now)
	tbl.Offer("commander", "soldier2", sdpOffer(), now)
	tbl.Candidate("soldier2", "commander", candidatePayload("x"))

	calls := tbl.Snapshot()
	if len(calls) != 1 {
		t.Fatalf("Snapshot: got %d calls want 1", len(calls))
	}
	seen := make(map[domain.EndpointID]int)
	for _, ci := range calls {
		seen[ci.Initiator]++
		seen[ci.Responder]++
	}
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("endpoint %s appears in %d calls", id, n)
		}
	}
}

func mustOffer(t *testing.T, tbl *CallTable, from, to domain.EndpointID, now time.Time) {
	t.Helper()
	if _, err := tbl.Offer(from, to, sdpOffer(), now); err != nil {
		t.Fatalf("Offer %s→%s: %v", from, to, err)
	}
}

func mustAnswer(t *testing.T, tbl *CallTable, from domain.EndpointID) {
	t.Helper()
	if _, err := tbl.Answer(from, sdpAnswer()); err != nil {
		t.Fatalf("Answer %s: %v", from, err)
	}
}
