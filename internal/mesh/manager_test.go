package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/coretest"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	room = domain.RoomCode("table7")
	self = domain.PlayerID(1)
	bob  = domain.PlayerID(2)
)

var bobID = domain.RendezvousFor(room, bob)

type fakeSink struct {
	mu       sync.Mutex
	attached map[domain.PlayerID][]core.RemoteTrack
	detached map[domain.PlayerID]int
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		attached: make(map[domain.PlayerID][]core.RemoteTrack),
		detached: make(map[domain.PlayerID]int),
	}
}

func (s *fakeSink) Attach(id domain.PlayerID, t core.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[id] = append(s.attached[id], t)
}

func (s *fakeSink) Detach(id domain.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attached, id)
	s.detached[id]++
}

func (s *fakeSink) Live(id domain.PlayerID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached[id])
}

type rosterBox struct {
	mu sync.Mutex
	ps []domain.Participant
}

func (r *rosterBox) Get() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ps
}

func (r *rosterBox) Set(ids ...domain.PlayerID) {
	ps := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		ps = append(ps, domain.Participant{ID: id, Name: "p" + id.String()})
	}
	r.mu.Lock()
	r.ps = ps
	r.mu.Unlock()
}

type harness struct {
	m       *Manager
	ch      *coretest.Channel
	clk     *clock.Mock
	sink    *fakeSink
	roster  *rosterBox
	stream  core.Stream
	mu      sync.Mutex
	history []Transition
}

func (h *harness) transitions(peer domain.PlayerID) []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, tr := range h.history {
		if tr.Peer == peer {
			out = append(out, tr.To)
		}
	}
	return out
}

func newHarness(t *testing.T, selfID domain.PlayerID, withVideo bool) *harness {
	t.Helper()
	h := &harness{
		ch:     coretest.NewChannel(),
		clk:    clock.NewMock(),
		sink:   newFakeSink(),
		roster: &rosterBox{},
	}
	h.stream = core.Stream{ID: "local", Audio: &stubTrack{id: "silent", kind: webrtc.RTPCodecTypeAudio}}
	if withVideo {
		h.stream.Video = &stubTrack{id: "camera", kind: webrtc.RTPCodecTypeVideo, enabled: true}
	}
	h.m = NewManager(DefaultConfig(), room, selfID, Deps{
		Channel: h.ch,
		Stream:  func() core.Stream { return h.stream },
		Roster:  h.roster.Get,
		Sink:    h.sink,
		Clock:   h.clk,
		Observer: func(tr Transition) {
			h.mu.Lock()
			h.history = append(h.history, tr)
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.m.Close)
	return h
}

// stubTrack satisfies core.LocalTrack without a pump.
type stubTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	enabled bool
}

func (s *stubTrack) ID() string                { return s.id }
func (s *stubTrack) Kind() webrtc.RTPCodecType { return s.kind }
func (s *stubTrack) Enabled() bool             { return s.enabled }
func (s *stubTrack) SetEnabled(e bool)         { s.enabled = e }
func (s *stubTrack) Stop()                     {}
func (s *stubTrack) Stopped() bool             { return false }
func (s *stubTrack) Local() webrtc.TrackLocal  { return nil }

func TestDialsRosterPeerAndConnects(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(self, bob)
	h.m.Start(context.Background())

	dials := h.ch.Dials(bobID)
	require.Len(t, dials, 1)
	assert.Equal(t, Dialing, h.m.State(bob))

	call := dials[0]
	call.SimulateState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, Dialing, h.m.State(bob), "transport alone is not enough")
	call.SimulateTrack(webrtc.RTPCodecTypeAudio)
	assert.Equal(t, Connected, h.m.State(bob))
	assert.Equal(t, 1, h.sink.Live(bob))

	info := h.m.Snapshot()[bob]
	assert.Equal(t, Connected, info.State)
	assert.True(t, info.Outbound)
	assert.True(t, info.HasAudio)
	assert.Equal(t, 1, info.Attempts)

	// Further sweeps do not add a second session.
	h.clk.Add(10 * time.Second)
	assert.Len(t, h.ch.Dials(bobID), 1)
	assert.Equal(t, 1, h.ch.OpenCalls(bobID))
}

func TestNeverDialsSelf(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(self)
	h.m.Start(context.Background())
	assert.Empty(t, h.ch.Dials(domain.RendezvousFor(room, self)))
	assert.Empty(t, h.m.Snapshot())
}

func TestAtMostOneLiveSessionPerPeer(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())

	for range 5 {
		h.m.Sweep()
	}
	assert.Len(t, h.ch.Dials(bobID), 1)

	// bob's identity sorts after ours, so our outbound call wins the glare.
	in := h.ch.SimulateIncoming(bobID)
	assert.True(t, in.Closed())
	assert.Equal(t, 1, h.ch.OpenCalls(bobID))
}

func TestGlareHigherIdentityAnswers(t *testing.T) {
	h := newHarness(t, 5, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	out := h.ch.Dials(bobID)[0]

	in := h.ch.SimulateIncoming(bobID)
	assert.True(t, out.Closed())
	assert.False(t, in.Closed())
	assert.True(t, in.Answered())
	assert.Equal(t, 1, h.ch.OpenCalls(bobID))
	assert.False(t, h.m.Snapshot()[bob].Outbound)
}

func TestIncomingReplacesConnectedSession(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	out := h.ch.Dials(bobID)[0]
	out.SimulateConnected()

	in := h.ch.SimulateIncoming(bobID)
	assert.True(t, out.Closed())
	assert.True(t, in.Answered())
	assert.Equal(t, Dialing, h.m.State(bob))
	assert.Equal(t, 0, h.sink.Live(bob))

	// Events from the replaced call are ignored.
	out.SimulateState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, Dialing, h.m.State(bob))

	in.SimulateConnected()
	assert.Equal(t, Connected, h.m.State(bob))
	assert.Equal(t, 1, h.ch.OpenCalls(bobID))
}

func TestFailedSessionRetriesAfterDelay(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateConnected()

	call.SimulateState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, Closed, h.m.State(bob))
	assert.True(t, call.Closed())
	assert.Equal(t, 0, h.sink.Live(bob))
	assert.Equal(t, 1, h.m.Snapshot()[bob].Failures)

	h.clk.Add(time.Second)
	assert.Len(t, h.ch.Dials(bobID), 1, "no re-dial inside the retry delay")

	h.clk.Add(time.Second)
	require.Eventually(t, func() bool { return len(h.ch.Dials(bobID)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []State{Dialing, Connected, Closed, Idle, Dialing}, h.transitions(bob))
	assert.Equal(t, 2, h.m.Snapshot()[bob].Attempts)
}

func TestDegradedRecoversWithinGrace(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateConnected()

	call.SimulateState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, Degraded, h.m.State(bob))
	h.clk.Add(2 * time.Second)
	call.SimulateState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, Connected, h.m.State(bob))

	h.clk.Add(5 * time.Second)
	assert.Equal(t, Connected, h.m.State(bob))
	assert.False(t, call.Closed())
}

func TestDegradedClosesAfterGrace(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateConnected()

	call.SimulateState(webrtc.PeerConnectionStateDisconnected)
	h.clk.Add(4 * time.Second)
	require.Eventually(t, call.Closed, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.transitions(bob), Closed)
}

func TestDialErrorRevertsToIdle(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.ch.SetDialErr(domain.ErrDialFailure)
	h.m.Start(context.Background())

	assert.Equal(t, Idle, h.m.State(bob))
	assert.Equal(t, []State{Dialing, Idle}, h.transitions(bob))

	h.ch.SetDialErr(nil)
	h.m.Sweep()
	assert.Len(t, h.ch.Dials(bobID), 1)
	assert.Equal(t, Dialing, h.m.State(bob))
}

func TestErrorBeforeConnectRevertsToIdle(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]

	call.SimulateError(domain.ErrDialFailure)
	assert.Equal(t, Idle, h.m.State(bob))
	assert.True(t, call.Closed())

	h.m.Sweep()
	assert.Len(t, h.ch.Dials(bobID), 2)
}

func TestErrorAfterConnectCountsAsTransportFailure(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateConnected()

	call.SimulateError(errors.New("ice failed"))
	assert.Equal(t, Closed, h.m.State(bob))
	assert.Equal(t, 1, h.m.Snapshot()[bob].Failures)
}

func TestRemoteCloseAfterConnect(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateConnected()

	call.SimulateClose()
	assert.Equal(t, Closed, h.m.State(bob))
	assert.Equal(t, 0, h.m.Snapshot()[bob].Failures)
}

func TestRedialsSessionWithoutMedia(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	first := h.ch.Dials(bobID)[0]
	first.SimulateState(webrtc.PeerConnectionStateConnected)

	h.clk.Add(3 * time.Second)
	require.Eventually(t, func() bool { return len(h.ch.Dials(bobID)) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, first.Closed())
	assert.Equal(t, 1, h.ch.OpenCalls(bobID))
}

func TestVideoOnlySessionIsHealthy(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateTrack(webrtc.RTPCodecTypeVideo)
	call.SimulateState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, Connected, h.m.State(bob))

	h.clk.Add(10 * time.Second)
	assert.Len(t, h.ch.Dials(bobID), 1)
	assert.False(t, call.Closed())
}

func TestRosterRemovalKeepsSession(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateConnected()

	h.roster.Set()
	h.m.Sweep()
	h.clk.Add(10 * time.Second)

	assert.Equal(t, Connected, h.m.State(bob))
	assert.False(t, call.Closed())
}

func TestReplaceAudioTrackInPlace(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateConnected()

	mic := &stubTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio, enabled: true}
	h.m.ReplaceTrack(mic)

	snd := call.Sender(webrtc.RTPCodecTypeAudio)
	require.NotNil(t, snd)
	assert.Same(t, core.LocalTrack(mic), snd.Track())
	assert.Equal(t, 1, snd.Replaced())
	assert.False(t, call.Closed())
}

func TestAddingVideoRedialsSessionsWithoutVideoSender(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateConnected()

	cam := &stubTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo, enabled: true}
	h.stream.Video = cam
	h.m.ReplaceTrack(cam)

	assert.True(t, call.Closed())
	dials := h.ch.Dials(bobID)
	require.Len(t, dials, 2)
	assert.NotNil(t, dials[1].Sender(webrtc.RTPCodecTypeVideo))
	assert.Equal(t, Dialing, h.m.State(bob))
}

func TestVideoReplacedInPlaceWhenSenderExists(t *testing.T) {
	h := newHarness(t, self, true)
	h.roster.Set(bob)
	h.m.Start(context.Background())
	call := h.ch.Dials(bobID)[0]
	call.SimulateConnected()

	cam := &stubTrack{id: "cam2", kind: webrtc.RTPCodecTypeVideo, enabled: true}
	h.m.ReplaceTrack(cam)

	assert.False(t, call.Closed())
	assert.Len(t, h.ch.Dials(bobID), 1)
	assert.Same(t, core.LocalTrack(cam), call.Sender(webrtc.RTPCodecTypeVideo).Track())
}

func TestCloseTearsDownEverything(t *testing.T) {
	h := newHarness(t, self, false)
	carol := domain.PlayerID(3)
	h.roster.Set(bob, carol)
	h.m.Start(context.Background())
	b := h.ch.Dials(bobID)[0]
	b.SimulateConnected()
	c := h.ch.Dials(domain.RendezvousFor(room, carol))[0]
	c.SimulateConnected()
	c.SimulateState(webrtc.PeerConnectionStateFailed) // retry timer armed
	b.SimulateState(webrtc.PeerConnectionStateDisconnected)

	h.m.Close()
	h.m.Close()
	assert.True(t, b.Closed())
	assert.Empty(t, h.m.Snapshot())
	assert.Equal(t, 0, h.sink.Live(bob))

	h.mu.Lock()
	before := len(h.history)
	h.mu.Unlock()
	h.clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	after := len(h.history)
	h.mu.Unlock()
	assert.Equal(t, before, after, "timers fired after close")
	assert.Len(t, h.ch.Dials(bobID), 1)

	// Late events and incoming calls are ignored.
	b.SimulateState(webrtc.PeerConnectionStateConnected)
	in := h.ch.SimulateIncoming(bobID)
	assert.True(t, in.Closed())
	assert.Empty(t, h.m.Snapshot())
}

func TestFailuresCountedAcrossRetries(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	h.m.Start(context.Background())

	for i := 1; i <= 3; i++ {
		dials := h.ch.Dials(bobID)
		require.Len(t, dials, i)
		dials[i-1].SimulateState(webrtc.PeerConnectionStateFailed)
		assert.Equal(t, Closed, h.m.State(bob))
		assert.Equal(t, i, h.m.Snapshot()[bob].Failures)
		h.clk.Add(2 * time.Second)
		require.Eventually(t, func() bool { return len(h.ch.Dials(bobID)) == i+1 }, time.Second, 5*time.Millisecond)
	}
	// Reconnecting resets the counter.
	h.ch.Dials(bobID)[3].SimulateConnected()
	assert.Equal(t, 0, h.m.Snapshot()[bob].Failures)
}

// holdFirstDial blocks the first dial until the returned release is called.
func holdFirstDial(h *harness) (entered <-chan struct{}, release func()) {
	in, out := make(chan struct{}), make(chan struct{})
	var once sync.Once
	h.ch.OnDial(func(domain.RendezvousID) {
		once.Do(func() {
			close(in)
			<-out
		})
	})
	return in, func() { close(out) }
}

func TestMicrophoneGrantedDuringDialReachesCall(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	entered, release := holdFirstDial(h)

	started := make(chan struct{})
	go func() {
		h.m.Start(context.Background())
		close(started)
	}()
	<-entered

	mic := &stubTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio, enabled: true}
	h.stream.Audio = mic
	h.m.ReplaceTrack(mic)
	release()
	<-started

	dials := h.ch.Dials(bobID)
	require.Len(t, dials, 1)
	snd := dials[0].Sender(webrtc.RTPCodecTypeAudio)
	require.NotNil(t, snd)
	assert.Same(t, core.LocalTrack(mic), snd.Track())
	assert.False(t, dials[0].Closed())
}

func TestCameraGrantedDuringDialRedials(t *testing.T) {
	h := newHarness(t, self, false)
	h.roster.Set(bob)
	entered, release := holdFirstDial(h)

	started := make(chan struct{})
	go func() {
		h.m.Start(context.Background())
		close(started)
	}()
	<-entered

	cam := &stubTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo, enabled: true}
	h.stream.Video = cam
	h.m.ReplaceTrack(cam)
	release()
	<-started

	dials := h.ch.Dials(bobID)
	require.Len(t, dials, 2)
	assert.True(t, dials[0].Closed(), "the call negotiated without video is dropped")
	assert.Same(t, core.LocalTrack(cam), dials[1].Sender(webrtc.RTPCodecTypeVideo).Track())
	assert.Equal(t, Dialing, h.m.State(bob))
	assert.Equal(t, 1, h.ch.OpenCalls(bobID))
}
