package app

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/arjn/fieldlink/internal/core"
	"github.com/arjn/fieldlink/internal/domain"
	"github.com/arjn/fieldlink/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// envelopes decodes everything sent to the connection so far.
func (f *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, fr := range f.frames {
		env, err := protocol.Parse(fr)
		if err != nil {
			t.Fatalf("sent frame does not parse: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (f *fakeConn) lastEnvelope(t *testing.T) protocol.Envelope {
	t.Helper()
	envs := f.envelopes(t)
	if len(envs) == 0 {
		t.Fatalf("no envelopes sent")
	}
	return envs[len(envs)-1]
}

func sdpOffer() json.RawMessage {
	return json.RawMessage(`{"type":"offer","sdp":"v=0..."}`)
}

func sdpAnswer() json.RawMessage {
	return json.RawMessage(`{"type":"answer","sdp":"v=0..."}`)
}

func candidatePayload(n string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"candidate": "candidate:" + n})
	return b
}

// newCoordinator wires a coordinator with registered fake connections for
// each id, no rate limiter.
func newCoordinator(grace time.Duration, ids ...domain.EndpointID) (*Coordinator, map[domain.EndpointID]*fakeConn) {
	c := &Coordinator{
		Registry: NewRegistry(),
		Calls:    NewCallTable(30*time.Second, grace, 4),
	}
	conns := make(map[domain.EndpointID]*fakeConn, len(ids))
	for _, id := range ids {
		fc := &fakeConn{}
		conns[id] = fc
		c.OnJoin(id, fc)
	}
	return c, conns
}
