package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var errCallClosed = errors.New("call closed")

// hook delivers events to a handler, queueing those that fire before the
// handler is set.
type hook[T any] struct {
	mu     sync.Mutex
	fn     func(T)
	queued []T
}

func (h *hook[T]) set(fn func(T)) {
	h.mu.Lock()
	h.fn = fn
	queued := h.queued
	h.queued = nil
	h.mu.Unlock()
	for _, v := range queued {
		fn(v)
	}
}

func (h *hook[T]) fire(v T) {
	h.mu.Lock()
	fn := h.fn
	if fn == nil {
		h.queued = append(h.queued, v)
	}
	h.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

// Call is a media call negotiated through the signaling Channel.
type Call struct {
	ch       *Channel
	peer     domain.RendezvousID
	cid      string
	outbound bool
	conn     *connection
	logger   zerolog.Logger

	mu         sync.Mutex
	senders    []core.Sender
	answered   bool
	closed     bool
	remoteLeft bool

	tracks hook[core.RemoteTrack]
	closes hook[struct{}]
	errs   hook[error]
	states hook[webrtc.PeerConnectionState]
}

func newCall(ch *Channel, peer domain.RendezvousID, cid string, outbound bool) (*Call, error) {
	logger := ch.logger.With().Str("remote", string(peer)).Str("cid", cid).Bool("outbound", outbound).Logger()
	conn, err := newConnection(ch.api, ch.rtcCfg, logger)
	if err != nil {
		return nil, err
	}
	c := &Call{ch: ch, peer: peer, cid: cid, outbound: outbound, conn: conn, logger: logger}

	conn.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.isClosed() {
			return
		}
		c.sendCandidate(cand.ToJSON())
	})
	conn.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	conn.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if c.isClosed() {
			return
		}
		c.states.fire(s)
	})
	conn.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.isClosed() {
			return
		}
		c.tracks.fire(&remoteTrack{track: track, pc: conn.pc})
	})
	return c, nil
}

func (c *Call) Peer() domain.RendezvousID { return c.peer }
func (c *Call) ConnectionID() string      { return c.cid }
func (c *Call) Outbound() bool            { return c.outbound }

// Answer accepts an incoming call, sending the tracks of stream back.
func (c *Call) Answer(stream core.Stream) error {
	c.mu.Lock()
	switch {
	case c.outbound:
		c.mu.Unlock()
		return errors.New("answer on outbound call")
	case c.closed:
		c.mu.Unlock()
		return errCallClosed
	case c.answered:
		c.mu.Unlock()
		return nil
	}
	c.answered = true
	c.mu.Unlock()

	senders, err := c.conn.addTracks(stream, false)
	if err != nil {
		return fmt.Errorf("add tracks: %w", err)
	}
	answer, err := c.conn.createAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	c.mu.Lock()
	c.senders = senders
	c.mu.Unlock()
	if err := c.ch.sendTo(core.MsgAnswer, c.peer, &core.Payload{ConnectionID: c.cid, SDP: &answer}); err != nil {
		return err
	}
	c.logger.Info().Msg("answered")
	return nil
}

func (c *Call) Senders() []core.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Sender(nil), c.senders...)
}

func (c *Call) OnTrack(fn func(core.RemoteTrack)) { c.tracks.set(fn) }
func (c *Call) OnClose(fn func())                 { c.closes.set(func(struct{}) { fn() }) }
func (c *Call) OnError(fn func(error))            { c.errs.set(fn) }

func (c *Call) OnConnectionState(fn func(webrtc.PeerConnectionState)) { c.states.set(fn) }

// Close hangs up. It never fires the call's own OnClose.
func (c *Call) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	left := c.remoteLeft
	c.mu.Unlock()

	c.ch.forget(c.cid)
	if !left {
		_ = c.ch.sendTo(core.MsgLeave, c.peer, &core.Payload{ConnectionID: c.cid})
	}
	c.conn.close()
}

func (c *Call) sendCandidate(ci webrtc.ICECandidateInit) {
	err := c.ch.sendTo(core.MsgCandidate, c.peer, &core.Payload{ConnectionID: c.cid, Candidate: &ci})
	if err != nil {
		c.logger.Debug().Err(err).Msg("candidate not sent")
	}
}

func (c *Call) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Call) handleAnswer(sdp *webrtc.SessionDescription) {
	if !c.outbound || sdp == nil || c.isClosed() {
		return
	}
	if err := c.conn.applyAnswer(*sdp); err != nil {
		c.logger.Error().Err(err).Msg("apply answer")
		c.fail(fmt.Errorf("%w: %w", domain.ErrDialFailure, err))
	}
}

func (c *Call) handleCandidate(ci *webrtc.ICECandidateInit) {
	if ci == nil || c.isClosed() {
		return
	}
	if err := c.conn.addCandidate(*ci); err != nil {
		c.logger.Debug().Err(err).Msg("add candidate")
	}
}

func (c *Call) handleLeave() {
	c.mu.Lock()
	if c.closed || c.remoteLeft {
		c.mu.Unlock()
		return
	}
	c.remoteLeft = true
	c.mu.Unlock()
	c.logger.Info().Msg("remote left")
	c.closes.fire(struct{}{})
}

func (c *Call) fail(err error) {
	if c.isClosed() {
		return
	}
	c.errs.fire(err)
}
