// Package mesh keeps one call per remote participant and heals the links
// the transport drops.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Sink receives the remote tracks of live sessions. It is called with the
// manager lock held and must not call back into the manager.
type Sink interface {
	Attach(id domain.PlayerID, track core.RemoteTrack)
	Detach(id domain.PlayerID)
}

type Deps struct {
	Channel core.Channel
	// Stream returns the current local outbound stream.
	Stream func() core.Stream
	// Roster returns the latest participant snapshot.
	Roster func() []domain.Participant
	Sink   Sink
	Clock  clock.Clock
	// Observer, if set, sees every state transition. Called with the lock held.
	Observer func(Transition)
}

type session struct {
	peer      domain.PlayerID
	call      core.Call
	state     State
	transport webrtc.PeerConnectionState
	outbound  bool
	created   time.Time
	connected bool
	hasAudio  bool
	hasVideo  bool
	grace     *clock.Timer
	retry     *clock.Timer
}

func (s *session) hasMedia() bool { return s.hasAudio || s.hasVideo }

func (s *session) stopTimers() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

type peerStats struct {
	attempts int
	failures int
}

// Manager owns every CallSession of the local participant.
type Manager struct {
	cfg    Config
	deps   Deps
	room   domain.RoomCode
	self   domain.PlayerID
	selfID domain.RendezvousID

	mu       sync.Mutex
	sessions map[domain.PlayerID]*session
	stats    map[domain.PlayerID]*peerStats
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	ticker   *clock.Ticker
	done     chan struct{}
	snapshot ConnectionStateMap
	onChange func()
}

func NewManager(cfg Config, room domain.RoomCode, self domain.PlayerID, deps Deps) *Manager {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		room:     room,
		self:     self,
		selfID:   domain.RendezvousFor(room, self),
		sessions: make(map[domain.PlayerID]*session),
		stats:    make(map[domain.PlayerID]*peerStats),
		snapshot: ConnectionStateMap{},
	}
}

// OnChange registers fn to run after every snapshot update.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Start accepts incoming calls and begins the periodic dial sweep.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.ticker = m.deps.Clock.Ticker(m.cfg.SweepInterval)
	m.done = make(chan struct{})
	ticker, done := m.ticker, m.done
	m.mu.Unlock()

	m.deps.Channel.OnIncomingCall(m.handleIncoming)
	go m.loop(ticker, done)
	m.Sweep()
	log.Info().Str("module", "mesh").Str("self", string(m.selfID)).Msg("mesh started")
}

func (m *Manager) loop(ticker *clock.Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close tears down every session and stops all timers. Idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.ticker.Stop()
	close(m.done)
	m.cancel()
	calls := make([]core.Call, 0, len(m.sessions))
	for id, s := range m.sessions {
		s.stopTimers()
		if s.call != nil {
			calls = append(calls, s.call)
		}
		m.deps.Sink.Detach(id)
		m.transitionLocked(s, Closed)
	}
	m.sessions = make(map[domain.PlayerID]*session)
	m.stats = make(map[domain.PlayerID]*peerStats)
	m.mu.Unlock()

	for _, c := range calls {
		c.Close()
	}
	m.publish()
	log.Info().Str("module", "mesh").Int("closed", len(calls)).Msg("mesh closed")
}

// Sweep dials every roster participant without a session and re-dials
// sessions that never received media within one sweep interval.
func (m *Manager) Sweep() {
	roster := m.deps.Roster()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	now := m.deps.Clock.Now()
	var dial []domain.PlayerID
	var drop []core.Call
	for _, p := range roster {
		if p.ID == m.self {
			continue
		}
		s := m.sessions[p.ID]
		switch {
		case s == nil || s.state == Idle:
			dial = append(dial, p.ID)
		case (s.state == Dialing || s.state == Connected) && !s.hasMedia() &&
			now.Sub(s.created) >= m.cfg.SweepInterval:
			log.Info().Str("module", "mesh").Stringer("peer", p.ID).Msg("no remote media, re-dialing")
			if c := m.discardLocked(s); c != nil {
				drop = append(drop, c)
			}
			dial = append(dial, p.ID)
		}
	}
	m.mu.Unlock()

	for _, c := range drop {
		c.Close()
	}
	for _, id := range dial {
		m.dial(id)
	}
	if len(drop) > 0 {
		m.publish()
	}
}

func (m *Manager) dial(id domain.PlayerID) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	if s := m.sessions[id]; s != nil && s.state != Idle {
		m.mu.Unlock()
		return
	}
	s := &session{
		peer:      id,
		state:     Idle,
		outbound:  true,
		created:   m.deps.Clock.Now(),
		transport: webrtc.PeerConnectionStateNew,
	}
	m.sessions[id] = s
	m.transitionLocked(s, Dialing)
	m.statsLocked(id).attempts++
	ctx := m.ctx
	m.mu.Unlock()
	m.publish()

	remote := domain.RendezvousFor(m.room, id)
	call, err := m.deps.Channel.Dial(ctx, remote, m.deps.Stream())

	m.mu.Lock()
	if m.sessions[id] != s || !m.running {
		m.mu.Unlock()
		if call != nil {
			call.Close()
		}
		return
	}
	if err != nil {
		log.Debug().Err(err).Str("module", "mesh").Stringer("peer", id).Msg("dial failed")
		m.transitionLocked(s, Idle)
		m.mu.Unlock()
		m.publish()
		return
	}
	s.call = call
	if m.syncLocked(s, call) {
		m.mu.Unlock()
		m.redial(s)
		return
	}
	m.mu.Unlock()

	m.bind(s, call)
}

// syncLocked brings a call negotiated with an older stream up to date:
// tracks swapped while the call was being set up are replaced in place. It
// reports true when the stream gained video the call has no sender for.
func (m *Manager) syncLocked(s *session, call core.Call) bool {
	senders := call.Senders()
	for _, want := range m.deps.Stream().Tracks() {
		var snd core.Sender
		for _, x := range senders {
			if x.Kind() == want.Kind() {
				snd = x
				break
			}
		}
		if snd == nil {
			if want.Kind() == webrtc.RTPCodecTypeVideo {
				return true
			}
			continue
		}
		if snd.Track() == want {
			continue
		}
		if err := snd.ReplaceTrack(want); err != nil {
			log.Warn().Err(err).Str("module", "mesh").Stringer("peer", s.peer).Msg("replace track")
		}
	}
	return false
}

// redial replaces s with a fresh outbound session if it is still current.
func (m *Manager) redial(s *session) {
	m.mu.Lock()
	if m.sessions[s.peer] != s || !m.running {
		m.mu.Unlock()
		return
	}
	stale := m.discardLocked(s)
	m.mu.Unlock()
	if stale != nil {
		stale.Close()
	}
	log.Info().Str("module", "mesh").Stringer("peer", s.peer).Msg("re-dialing to add video")
	m.dial(s.peer)
}

// bind routes the call's events to s. Handlers check that s is still the
// registered session, so late events from replaced calls are dropped.
func (m *Manager) bind(s *session, call core.Call) {
	call.OnTrack(func(t core.RemoteTrack) { m.handleTrack(s, t) })
	call.OnConnectionState(func(st webrtc.PeerConnectionState) { m.handleTransport(s, st) })
	call.OnClose(func() { m.handleClose(s, nil) })
	call.OnError(func(err error) { m.handleError(s, err) })
}

func (m *Manager) currentLocked(s *session) bool {
	return m.running && m.sessions[s.peer] == s && s.state.Live()
}

func (m *Manager) handleTrack(s *session, t core.RemoteTrack) {
	m.mu.Lock()
	if !m.currentLocked(s) {
		m.mu.Unlock()
		return
	}
	switch t.Kind() {
	case webrtc.RTPCodecTypeAudio:
		s.hasAudio = true
	case webrtc.RTPCodecTypeVideo:
		s.hasVideo = true
	}
	m.deps.Sink.Attach(s.peer, t)
	if s.state == Dialing && s.transport == webrtc.PeerConnectionStateConnected {
		m.connectedLocked(s)
	}
	m.mu.Unlock()
	m.publish()
}

func (m *Manager) handleTransport(s *session, st webrtc.PeerConnectionState) {
	m.mu.Lock()
	if !m.currentLocked(s) {
		m.mu.Unlock()
		return
	}
	s.transport = st
	var drop core.Call
	switch st {
	case webrtc.PeerConnectionStateConnected:
		switch s.state {
		case Dialing:
			if s.hasMedia() {
				m.connectedLocked(s)
			}
		case Degraded:
			if s.grace != nil {
				s.grace.Stop()
				s.grace = nil
			}
			m.connectedLocked(s)
		}
	case webrtc.PeerConnectionStateDisconnected:
		if s.state == Connected {
			m.transitionLocked(s, Degraded)
			s.grace = m.deps.Clock.AfterFunc(m.cfg.GracePeriod, func() { m.graceExpired(s) })
		}
	case webrtc.PeerConnectionStateFailed:
		drop = m.closeLocked(s, domain.ErrTransportFailed)
	case webrtc.PeerConnectionStateClosed:
		drop = m.closeLocked(s, nil)
	}
	m.mu.Unlock()

	if drop != nil {
		drop.Close()
	}
	m.publish()
}

func (m *Manager) handleClose(s *session, cause error) {
	m.mu.Lock()
	if !m.currentLocked(s) {
		m.mu.Unlock()
		return
	}
	drop := m.closeLocked(s, cause)
	m.mu.Unlock()
	if drop != nil {
		drop.Close()
	}
	m.publish()
}

func (m *Manager) handleError(s *session, err error) {
	m.mu.Lock()
	if !m.currentLocked(s) {
		m.mu.Unlock()
		return
	}
	if !s.connected {
		// The remote was not listening yet: retry on the next sweep.
		log.Debug().Err(err).Str("module", "mesh").Stringer("peer", s.peer).Msg("call failed before connecting")
		drop := s.call
		s.call = nil
		s.stopTimers()
		m.deps.Sink.Detach(s.peer)
		s.hasAudio, s.hasVideo = false, false
		m.transitionLocked(s, Idle)
		m.mu.Unlock()
		if drop != nil {
			drop.Close()
		}
		m.publish()
		return
	}
	drop := m.closeLocked(s, fmt.Errorf("%w: %w", domain.ErrTransportFailed, err))
	m.mu.Unlock()
	if drop != nil {
		drop.Close()
	}
	m.publish()
}

func (m *Manager) graceExpired(s *session) {
	m.mu.Lock()
	if !m.currentLocked(s) || s.state != Degraded {
		m.mu.Unlock()
		return
	}
	log.Info().Str("module", "mesh").Stringer("peer", s.peer).Msg("grace period expired")
	drop := m.closeLocked(s, domain.ErrTransportFailed)
	m.mu.Unlock()
	if drop != nil {
		drop.Close()
	}
	m.publish()
}

func (m *Manager) retryElapsed(s *session) {
	m.mu.Lock()
	if !m.running || m.sessions[s.peer] != s || s.state != Closed {
		m.mu.Unlock()
		return
	}
	s.retry = nil
	m.transitionLocked(s, Idle)
	inRoster := false
	m.mu.Unlock()
	m.publish()

	for _, p := range m.deps.Roster() {
		if p.ID == s.peer {
			inRoster = true
			break
		}
	}
	if inRoster {
		m.dial(s.peer)
	}
}

func (m *Manager) connectedLocked(s *session) {
	s.connected = true
	m.statsLocked(s.peer).failures = 0
	m.transitionLocked(s, Connected)
}

// closeLocked moves s to Closed and arms the retry timer. It returns the
// call for the caller to close once the lock is released.
func (m *Manager) closeLocked(s *session, cause error) core.Call {
	s.stopTimers()
	m.deps.Sink.Detach(s.peer)
	s.hasAudio, s.hasVideo = false, false
	m.transitionLocked(s, Closed)

	if errors.Is(cause, domain.ErrTransportFailed) {
		st := m.statsLocked(s.peer)
		st.failures++
		ev := log.Info()
		if st.failures >= m.cfg.MaxRetries {
			ev = log.Warn()
		}
		ev.Err(cause).Str("module", "mesh").Stringer("peer", s.peer).Int("failures", st.failures).Msg("session failed")
	} else {
		log.Info().Str("module", "mesh").Stringer("peer", s.peer).Msg("session closed")
	}

	s.retry = m.deps.Clock.AfterFunc(m.cfg.RetryDelay, func() { m.retryElapsed(s) })
	call := s.call
	s.call = nil
	return call
}

// discardLocked drops s from the registry without a retry delay.
func (m *Manager) discardLocked(s *session) core.Call {
	s.stopTimers()
	m.deps.Sink.Detach(s.peer)
	m.transitionLocked(s, Closed)
	delete(m.sessions, s.peer)
	call := s.call
	s.call = nil
	return call
}

func (m *Manager) handleIncoming(call core.Call) {
	_, peer, err := domain.ParseRendezvous(call.Peer())
	if err != nil || peer == m.self {
		log.Warn().Err(err).Str("module", "mesh").Str("from", string(call.Peer())).Msg("rejecting call")
		call.Close()
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		call.Close()
		return
	}
	var drop core.Call
	if old := m.sessions[peer]; old != nil {
		switch old.state {
		case Dialing:
			if old.outbound && m.selfID < call.Peer() {
				// Glare: the lower identity keeps its own offer.
				m.mu.Unlock()
				log.Debug().Str("module", "mesh").Stringer("peer", peer).Msg("glare, keeping outbound call")
				call.Close()
				return
			}
			drop = m.discardLocked(old)
		case Connected, Degraded:
			log.Info().Str("module", "mesh").Stringer("peer", peer).Msg("peer re-dialed, replacing session")
			drop = m.discardLocked(old)
		default:
			old.stopTimers()
		}
	}
	s := &session{
		peer:      peer,
		call:      call,
		state:     Idle,
		created:   m.deps.Clock.Now(),
		transport: webrtc.PeerConnectionStateNew,
	}
	m.sessions[peer] = s
	m.transitionLocked(s, Dialing)
	m.mu.Unlock()

	if drop != nil {
		drop.Close()
	}
	m.bind(s, call)
	if err := call.Answer(m.deps.Stream()); err != nil {
		m.handleError(s, err)
		return
	}
	m.mu.Lock()
	stale := m.currentLocked(s) && s.call == call && m.syncLocked(s, call)
	m.mu.Unlock()
	if stale {
		m.redial(s)
		return
	}
	m.publish()
}

// ReplaceTrack fans a new local track out to every live session. A video
// track goes in place where a video sender exists; sessions negotiated
// without one are re-dialed to pick it up.
func (m *Manager) ReplaceTrack(track core.LocalTrack) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	var redial []domain.PlayerID
	var drop []core.Call
	for id, s := range m.sessions {
		if s.call == nil || !s.state.Live() {
			continue
		}
		replaced := false
		for _, snd := range s.call.Senders() {
			if snd.Kind() != track.Kind() {
				continue
			}
			if err := snd.ReplaceTrack(track); err != nil {
				log.Warn().Err(err).Str("module", "mesh").Stringer("peer", id).Msg("replace track")
			} else {
				replaced = true
			}
			break
		}
		if !replaced && track.Kind() == webrtc.RTPCodecTypeVideo {
			if c := m.discardLocked(s); c != nil {
				drop = append(drop, c)
			}
			redial = append(redial, id)
		}
	}
	m.mu.Unlock()

	for _, c := range drop {
		c.Close()
	}
	for _, id := range redial {
		log.Info().Str("module", "mesh").Stringer("peer", id).Msg("re-dialing to add video")
		m.dial(id)
	}
}

// Snapshot returns the current ConnectionStateMap. Do not modify it.
func (m *Manager) Snapshot() ConnectionStateMap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// State reports the state of the session with id, Idle if there is none.
func (m *Manager) State(id domain.PlayerID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.sessions[id]; s != nil {
		return s.state
	}
	return Idle
}

func (m *Manager) statsLocked(id domain.PlayerID) *peerStats {
	st, ok := m.stats[id]
	if !ok {
		st = &peerStats{}
		m.stats[id] = st
	}
	return st
}

func (m *Manager) transitionLocked(s *session, to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	log.Debug().Str("module", "mesh").Stringer("peer", s.peer).Stringer("from", from).Stringer("to", to).Msg("transition")
	if m.deps.Observer != nil {
		m.deps.Observer(Transition{Peer: s.peer, From: from, To: to})
	}
}

func (m *Manager) publish() {
	m.mu.Lock()
	snap := make(ConnectionStateMap, len(m.sessions))
	for id, s := range m.sessions {
		st := m.stats[id]
		info := ConnectionInfo{
			State:     s.state,
			Transport: s.transport,
			Outbound:  s.outbound,
			HasAudio:  s.hasAudio,
			HasVideo:  s.hasVideo,
		}
		if st != nil {
			info.Attempts = st.attempts
			info.Failures = st.failures
		}
		snap[id] = info
	}
	m.snapshot = snap
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}
