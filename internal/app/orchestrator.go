package app

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// ErrPeerOffline: the destination of a relayed message holds no connection.
var ErrPeerOffline = errors.New("peer offline")

// Orchestrator routes signaling messages between participants of the same room.
type Orchestrator struct {
	Registry  *Registry
	Directory *Directory
	Policy    Policy

	mu    sync.Mutex
	drops map[domain.RendezvousID]int
}

func NewOrchestrator(reg *Registry, dir *Directory, policy Policy) *Orchestrator {
	return &Orchestrator{
		Registry:  reg,
		Directory: dir,
		Policy:    policy,
		drops:     make(map[domain.RendezvousID]int),
	}
}

// Relay stamps env with src and forwards it to env.Dst. Participants may only
// signal within their own room.
func (o *Orchestrator) Relay(src domain.RendezvousID, env core.Envelope) error {
	srcRoom, _, err := domain.ParseRendezvous(src)
	if err != nil {
		return err
	}
	dstRoom, _, err := domain.ParseRendezvous(env.Dst)
	if err != nil {
		return err
	}
	if srcRoom != dstRoom {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidRendezvous, src, env.Dst)
	}

	conn, ok := o.Registry.Lookup(env.Dst)
	if !ok {
		return ErrPeerOffline
	}
	env.Src = src
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := conn.TrySend(data); err != nil {
		o.onDropped(env.Dst)
		return err
	}
	o.mu.Lock()
	delete(o.drops, env.Dst)
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) onDropped(id domain.RendezvousID) {
	o.mu.Lock()
	o.drops[id]++
	n := o.drops[id]
	o.mu.Unlock()
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(n) {
	case KickMember:
		log.Warn().Str("module", "app.orchestrator").Str("peer", string(id)).Int("dropped", n).Msg("kicking slow peer")
		o.Registry.Cancel(id)
	case DropFrame:
		log.Debug().Str("module", "app.orchestrator").Str("peer", string(id)).Int("dropped", n).Msg("dropped message")
	}
}

// Forget clears the relay state of a released id.
func (o *Orchestrator) Forget(id domain.RendezvousID) {
	o.mu.Lock()
	delete(o.drops, id)
	o.mu.Unlock()
}
