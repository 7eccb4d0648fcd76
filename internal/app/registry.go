package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/arjn/fieldlink/internal/core"
	"github.com/arjn/fieldlink/internal/domain"
)

// Registry maps endpoint identifiers to their current signaling connection.
// Last connection wins: re-registering under the same identifier replaces
// the prior binding, whose outbound traffic becomes undeliverable.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.EndpointID]core.SignalConnection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.EndpointID]core.SignalConnection)}
}

// Register binds id to conn and returns the replaced connection, if any.
// The caller owns closing the replaced connection.
func (r *Registry) Register(id domain.EndpointID, conn core.SignalConnection) core.SignalConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[id]
	if prev == conn {
		return nil
	}
	r.conns[id] = conn
	if prev != nil {
		log.Info().Str("module", "app.registry").Str("endpoint", string(id)).Msg("replaced stale binding")
	} else {
		log.Info().Str("module", "app.registry").Str("endpoint", string(id)).Msg("registered")
	}
	return prev
}

// Resolve locates the delivery target for an endpoint.
func (r *Registry) Resolve(id domain.EndpointID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// Unregister removes the binding owned by conn. A disconnect of a connection
// that was already replaced must not unbind the fresh one, so the binding is
// removed only if conn is still current.
func (r *Registry) Unregister(conn core.SignalConnection) (domain.EndpointID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cur := range r.conns {
		if cur == conn {
			delete(r.conns, id)
			log.Info().Str("module", "app.registry").Str("endpoint", string(id)).Msg("unregistered")
			return id, true
		}
	}
	return "", false
}

// Endpoints returns the currently registered identifiers, sorted.
func (r *Registry) Endpoints() []domain.EndpointID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.EndpointID, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
