// Package roster keeps the latest participant list of a room.
package roster

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

const DefaultInterval = 5 * time.Second

// Synchronizer polls the directory and replaces its snapshot wholesale on
// every successful poll. It never closes calls; presence is advisory.
type Synchronizer struct {
	dir      core.Directory
	room     domain.RoomCode
	interval time.Duration
	clock    clock.Clock

	mu       sync.Mutex
	snapshot []domain.Participant
	onUpdate func([]domain.Participant)
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSynchronizer(dir core.Directory, room domain.RoomCode, interval time.Duration, clk clock.Clock) *Synchronizer {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Synchronizer{dir: dir, room: room, interval: interval, clock: clk}
}

// OnUpdate registers fn to run after every successful poll.
func (s *Synchronizer) OnUpdate(fn func([]domain.Participant)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// Start polls once immediately, then every interval until Stop or ctx ends.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.Poll(ctx)
	ticker := s.clock.Ticker(s.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Poll(ctx)
			}
		}
	}()
}

// Stop cancels polling and waits for an in-flight poll to return. Idempotent.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.mu.Lock()
	s.snapshot = nil
	s.mu.Unlock()
}

// Poll fetches the roster once. Errors are logged and the previous snapshot kept.
func (s *Synchronizer) Poll(ctx context.Context) {
	ps, err := s.dir.Participants(ctx, s.room)
	if err != nil {
		if ctx.Err() == nil {
			log.Debug().Err(err).Str("module", "roster").Str("room", string(s.room)).Msg("poll failed")
		}
		return
	}
	next := slices.Clone(ps)
	slices.SortFunc(next, func(a, b domain.Participant) int { return cmp.Compare(a.ID, b.ID) })

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.snapshot = next
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn(next)
	}
}

// Snapshot returns the latest roster. Do not modify it.
func (s *Synchronizer) Snapshot() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}
