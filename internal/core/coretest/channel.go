package coretest

import (
	"context"
	"io"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Channel is an in-memory signaling channel. Outbound dials are recorded,
// incoming calls are injected with SimulateIncoming.
type Channel struct {
	mu       sync.Mutex
	id       domain.RendezvousID
	openErr  error
	dialErr  error
	onDial   func(domain.RendezvousID)
	calls    []*Call
	incoming func(core.Call)
	closed   bool
}

func NewChannel() *Channel { return &Channel{} }

func (c *Channel) Open(_ context.Context, id domain.RendezvousID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.id = id
	return nil
}

func (c *Channel) Dial(_ context.Context, remote domain.RendezvousID, stream core.Stream) (core.Call, error) {
	c.mu.Lock()
	hook := c.onDial
	c.mu.Unlock()
	if hook != nil {
		hook(remote)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	call := newCall(remote, true)
	call.attach(stream)
	c.calls = append(c.calls, call)
	return call, nil
}

func (c *Channel) OnIncomingCall(fn func(core.Call)) {
	c.mu.Lock()
	c.incoming = fn
	c.mu.Unlock()
}

func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// --- Test helpers ---

func (c *Channel) SetOpenErr(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

func (c *Channel) SetDialErr(err error) {
	c.mu.Lock()
	c.dialErr = err
	c.mu.Unlock()
}

// OnDial runs fn at the start of every Dial, before the call exists. A
// blocking fn holds the dial in flight.
func (c *Channel) OnDial(fn func(domain.RendezvousID)) {
	c.mu.Lock()
	c.onDial = fn
	c.mu.Unlock()
}

func (c *Channel) ID() domain.RendezvousID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SimulateIncoming delivers an inbound call from remote to the registered handler.
func (c *Channel) SimulateIncoming(remote domain.RendezvousID) *Call {
	call := newCall(remote, false)
	c.mu.Lock()
	c.calls = append(c.calls, call)
	fn := c.incoming
	c.mu.Unlock()
	if fn != nil {
		fn(call)
	}
	return call
}

// Dials returns the outbound calls placed to remote, oldest first.
func (c *Channel) Dials(remote domain.RendezvousID) []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Call
	for _, call := range c.calls {
		if call.outbound && call.peer == remote {
			out = append(out, call)
		}
	}
	return out
}

// Last returns the newest call (either direction) with remote.
func (c *Channel) Last(remote domain.RendezvousID) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].peer == remote {
			return c.calls[i]
		}
	}
	return nil
}

// OpenCalls counts the calls with remote that were not closed locally.
func (c *Channel) OpenCalls(remote domain.RendezvousID) int {
	c.mu.Lock()
	calls := append([]*Call(nil), c.calls...)
	c.mu.Unlock()
	n := 0
	for _, call := range calls {
		if call.peer == remote && !call.Closed() {
			n++
		}
	}
	return n
}

// Call is a fake call whose events are produced by Simulate* helpers.
type Call struct {
	peer     domain.RendezvousID
	connID   string
	outbound bool

	mu       sync.Mutex
	answered bool
	senders  []*Sender
	closed   bool
	tracks   []*RemoteTrack
	onTrack  func(core.RemoteTrack)
	onClose  func()
	onError  func(error)
	onState  func(webrtc.PeerConnectionState)
}

func newCall(peer domain.RendezvousID, outbound bool) *Call {
	return &Call{peer: peer, connID: "mc_" + uuid.NewString(), outbound: outbound}
}

func (c *Call) attach(stream core.Stream) {
	c.senders = c.senders[:0]
	for _, t := range stream.Tracks() {
		c.senders = append(c.senders, &Sender{kind: t.Kind(), track: t})
	}
}

func (c *Call) Peer() domain.RendezvousID { return c.peer }
func (c *Call) ConnectionID() string      { return c.connID }
func (c *Call) Outbound() bool            { return c.outbound }

func (c *Call) Answer(stream core.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = true
	c.attach(stream)
	return nil
}

func (c *Call) Senders() []core.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *Call) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Call) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *Call) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

func (c *Call) OnConnectionState(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close ends every delivered remote track, as closing a peer connection does.
func (c *Call) Close() {
	c.mu.Lock()
	c.closed = true
	tracks := c.tracks
	c.tracks = nil
	c.mu.Unlock()
	for _, t := range tracks {
		t.Close()
	}
}

// --- Test helpers ---

func (c *Call) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Call) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

// Sender returns the sender of the given kind, or nil.
func (c *Call) Sender(kind webrtc.RTPCodecType) *Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.senders {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

// SimulateTrack delivers a remote track of kind and returns it.
func (c *Call) SimulateTrack(kind webrtc.RTPCodecType) *RemoteTrack {
	t := NewRemoteTrack(kind)
	c.mu.Lock()
	fn := c.onTrack
	if c.closed {
		t.Close()
	} else {
		c.tracks = append(c.tracks, t)
	}
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
	return t
}

func (c *Call) SimulateState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// SimulateConnected delivers an audio track and the connected transport state.
func (c *Call) SimulateConnected() *RemoteTrack {
	t := c.SimulateTrack(webrtc.RTPCodecTypeAudio)
	c.SimulateState(webrtc.PeerConnectionStateConnected)
	return t
}

func (c *Call) SimulateClose() {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Call) SimulateError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Sender records track replacements.
type Sender struct {
	mu       sync.Mutex
	kind     webrtc.RTPCodecType
	track    core.LocalTrack
	replaced int
}

func (s *Sender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Sender) Track() core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(t core.LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	s.replaced++
	return nil
}

func (s *Sender) Replaced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

// RemoteTrack yields packets pushed with Push until Close.
type RemoteTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	packets chan *rtp.Packet

	once      sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	keyFrames int
}

func NewRemoteTrack(kind webrtc.RTPCodecType) *RemoteTrack {
	return &RemoteTrack{
		id:      uuid.NewString(),
		kind:    kind,
		packets: make(chan *rtp.Packet, 64),
		closed:  make(chan struct{}),
	}
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case p := <-t.packets:
		return p, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *RemoteTrack) RequestKeyFrame() error {
	t.mu.Lock()
	t.keyFrames++
	t.mu.Unlock()
	return nil
}

func (t *RemoteTrack) KeyFrames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.keyFrames
}

func (t *RemoteTrack) Push(payload []byte) {
	select {
	case t.packets <- &rtp.Packet{Payload: payload}:
	case <-t.closed:
	}
}

func (t *RemoteTrack) Close() {
	t.once.Do(func() { close(t.closed) })
}

var (
	_ core.Channel     = (*Channel)(nil)
	_ core.Call        = (*Call)(nil)
	_ core.Sender      = (*Sender)(nil)
	_ core.RemoteTrack = (*RemoteTrack)(nil)
)
