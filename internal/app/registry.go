package app

import (
	"context"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

type peerEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry maps rendezvous ids to live signaling connections.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.RendezvousID]*peerEntry
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[domain.RendezvousID]*peerEntry),
	}
}

// Claim binds id to conn. The first live holder keeps the id; later claims
// fail with domain.ErrIdentityConflict until it is released.
func (r *Registry) Claim(id domain.RendezvousID, conn core.SignalConnection, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		log.Warn().Str("module", "app.registry").Str("peer", string(id)).Msg("id already claimed")
		return domain.ErrIdentityConflict
	}
	r.peers[id] = &peerEntry{Conn: conn, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("claimed id")
	return nil
}

// Release frees id if conn still holds it.
func (r *Registry) Release(id domain.RendezvousID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok || e.Conn != conn {
		return false
	}
	delete(r.peers, id)
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("released id")
	return true
}

func (r *Registry) Lookup(id domain.RendezvousID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.peers[id]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Cancel stops the pumps of the connection holding id.
func (r *Registry) Cancel(id domain.RendezvousID) bool {
	r.mu.RLock()
	e, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Msg("canceled connection")
	return true
}

// CancelAll stops every live connection, used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	entries := make([]*peerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()
	for _, e := range entries {
		if e.Cancel != nil {
			e.Cancel()
		}
	}
}
