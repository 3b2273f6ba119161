package voice

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/coretest"
	"github.com/dkeye/voicemesh/internal/core/mocks"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/mesh"
	"github.com/dkeye/voicemesh/internal/playback"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	room = domain.RoomCode("table7")
	self = domain.PlayerID(1)
	bob  = domain.PlayerID(2)
)

var bobID = domain.RendezvousFor(room, bob)

type nopDecoder struct{}

func (nopDecoder) Decode(data []byte, pcm []int16) (int, error) { return len(data), nil }

type harness struct {
	t       *testing.T
	clk     *clock.Mock
	devices *coretest.Devices
	dir     *mocks.MockDirectory
	client  *Client

	mu       sync.Mutex
	channels []*coretest.Channel
}

func newHarness(t *testing.T, roster ...domain.Participant) *harness {
	ctrl := gomock.NewController(t)
	h := &harness{
		t:       t,
		clk:     clock.NewMock(),
		devices: &coretest.Devices{},
		dir:     mocks.NewMockDirectory(ctrl),
	}
	if roster != nil {
		h.dir.EXPECT().Participants(gomock.Any(), room).Return(roster, nil).AnyTimes()
	}
	h.client = New(Options{
		Room:      room,
		Self:      self,
		Devices:   h.devices,
		Directory: h.dir,
		NewChannel: func() (core.Channel, error) {
			ch := coretest.NewChannel()
			h.mu.Lock()
			h.channels = append(h.channels, ch)
			h.mu.Unlock()
			return ch, nil
		},
		NewDecoder: func() (playback.Decoder, error) { return nopDecoder{}, nil },
		Clock:      h.clk,
	})
	t.Cleanup(h.client.Disconnect)
	return h
}

func (h *harness) channel() *coretest.Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.channels)
	return h.channels[len(h.channels)-1]
}

func (h *harness) connect() {
	require.NoError(h.t, h.client.Connect(context.Background()))
}

// connectToBob connects and completes the call the mesh placed to bob.
func (h *harness) connectToBob() *coretest.Call {
	h.connect()
	dials := h.channel().Dials(bobID)
	require.Len(h.t, dials, 1)
	dials[0].SimulateConnected()
	require.Eventually(h.t, func() bool {
		return h.client.State().Connections[bob].State == mesh.Connected
	}, time.Second, time.Millisecond)
	return dials[0]
}

func players(ids ...domain.PlayerID) []domain.Participant {
	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Participant{ID: id, Name: "p" + id.String(), Muted: true})
	}
	return out
}

func loud(n int, seed int64) []int16 {
	r := rand.New(rand.NewSource(seed))
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16((r.Float64()*2 - 1) * 0.3 * math.MaxInt16)
	}
	return pcm
}

func TestConnectStartsWithSilentAudio(t *testing.T) {
	h := newHarness(t, players(self, bob)...)
	h.connect()

	st := h.client.State()
	assert.Equal(t, Connected, st.Status)
	assert.Empty(t, st.Error)
	assert.True(t, st.Muted)
	assert.False(t, st.MicGranted)
	assert.False(t, st.CameraGranted)
	assert.Nil(t, st.LocalVideo)
	assert.Equal(t, players(self, bob), st.Roster)

	ms := h.client.media.State()
	require.NotNil(t, ms.Audio)
	assert.False(t, ms.Audio.Enabled(), "fallback audio is disabled")
	assert.Nil(t, ms.Video)

	assert.Equal(t, domain.RendezvousFor(room, self), h.channel().ID())
	call := h.channel().Dials(bobID)[0]
	assert.Same(t, ms.Audio, call.Sender(webrtc.RTPCodecTypeAudio).Track())

	require.NoError(t, h.client.Connect(context.Background()), "connect is idempotent")
	assert.Len(t, h.devices.Silent, 1)
	assert.Len(t, h.channels, 1)
}

func TestTwoParticipantsConnect(t *testing.T) {
	h := newHarness(t, players(self, bob)...)
	h.connectToBob()

	st := h.client.State()
	require.Len(t, st.Connections, 1)
	assert.Equal(t, mesh.Connected, st.Connections[bob].State)
	assert.True(t, st.Connections[bob].Outbound)
	assert.Equal(t, 1, h.channel().OpenCalls(bobID))
	assert.Empty(t, st.Speaking)
	assert.Empty(t, st.RemoteVideo)
	assert.False(t, st.IsSpeaking(bob))
}

func TestMicrophoneGrantSwapsTrackInEveryCall(t *testing.T) {
	h := newHarness(t, players(self, bob)...)
	h.dir.EXPECT().SetMuted(gomock.Any(), room, self, false).Return(nil).Times(2)
	h.dir.EXPECT().SetMuted(gomock.Any(), room, self, true).Return(nil).Times(1)
	call := h.connectToBob()
	silent := h.client.media.State().Audio

	require.NoError(t, h.client.ToggleMute(context.Background()))

	st := h.client.State()
	assert.True(t, st.MicGranted)
	assert.False(t, st.Muted)
	mic := h.client.media.State().Audio
	assert.NotSame(t, silent, mic)
	assert.True(t, silent.Stopped())
	assert.True(t, h.devices.LastSilent().Closed())
	assert.Same(t, mic, call.Sender(webrtc.RTPCodecTypeAudio).Track())
	assert.Equal(t, 1, call.Sender(webrtc.RTPCodecTypeAudio).Replaced())
	assert.Len(t, h.channel().Dials(bobID), 1, "audio is replaced in place")

	require.NoError(t, h.client.ToggleMute(context.Background()))
	assert.True(t, h.client.State().Muted)
	assert.False(t, mic.Enabled())
	require.NoError(t, h.client.ToggleMute(context.Background()))
	assert.False(t, h.client.State().Muted)
	assert.Same(t, mic, h.client.media.State().Audio, "mute never replaces the track")
	assert.True(t, mic.Enabled())
	assert.Len(t, h.devices.Mics, 1)
}

func TestMicrophoneDenialIsSurfacedAndDismissible(t *testing.T) {
	h := newHarness(t, players(self, bob)...)
	h.devices.SetMicErr(coretest.ErrDenied)
	h.connectToBob()
	silent := h.client.media.State().Audio

	err := h.client.ToggleMute(context.Background())
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	st := h.client.State()
	assert.Equal(t, Connected, st.Status)
	assert.Equal(t, "Couldn't access your microphone", st.Error)
	assert.False(t, st.MicGranted)
	assert.True(t, st.Muted)
	assert.Same(t, silent, h.client.media.State().Audio)
	assert.False(t, silent.Stopped())

	h.client.DismissError()
	assert.Empty(t, h.client.State().Error)
}

func TestCameraGrantRedialsCallsWithoutVideo(t *testing.T) {
	h := newHarness(t, players(self, bob)...)
	h.dir.EXPECT().SetVideoEnabled(gomock.Any(), room, self, true).Return(nil)
	h.dir.EXPECT().SetVideoEnabled(gomock.Any(), room, self, false).Return(nil)
	first := h.connectToBob()

	require.NoError(t, h.client.ToggleVideo(context.Background()))

	st := h.client.State()
	assert.True(t, st.CameraGranted)
	assert.True(t, st.VideoEnabled)
	require.NotNil(t, st.LocalVideo)
	assert.True(t, first.Closed())
	dials := h.channel().Dials(bobID)
	require.Len(t, dials, 2)
	require.NotNil(t, dials[1].Sender(webrtc.RTPCodecTypeVideo))
	assert.Same(t, st.LocalVideo, dials[1].Sender(webrtc.RTPCodecTypeVideo).Track())

	require.NoError(t, h.client.ToggleVideo(context.Background()))
	st = h.client.State()
	assert.False(t, st.VideoEnabled)
	assert.False(t, st.LocalVideo.Enabled())
	assert.Len(t, h.devices.Cameras, 1)
}

func TestCameraDenial(t *testing.T) {
	h := newHarness(t, players(self)...)
	h.devices.CameraErr = coretest.ErrDenied
	h.connect()

	err := h.client.ToggleVideo(context.Background())
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Equal(t, "Couldn't access your camera", h.client.State().Error)
	assert.False(t, h.client.State().VideoEnabled)
}

func TestTogglesRequireConnection(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.client.ToggleMute(context.Background()), domain.ErrNotConnected)
	assert.ErrorIs(t, h.client.ToggleVideo(context.Background()), domain.ErrNotConnected)
	assert.Empty(t, h.devices.Mics)
}

func TestDisconnectTearsEverythingDown(t *testing.T) {
	h := newHarness(t, players(self, bob)...)
	h.dir.EXPECT().SetMuted(gomock.Any(), room, self, false).Return(nil)
	call := h.connectToBob()
	call.SimulateTrack(webrtc.RTPCodecTypeVideo)
	require.NoError(t, h.client.ToggleMute(context.Background()))
	mic := h.devices.LastMic()

	pcm := loud(960, 1)
	require.Eventually(t, func() bool {
		mic.Push(pcm)
		h.clk.Add(16 * time.Millisecond)
		return h.client.State().IsSpeaking(self)
	}, 2*time.Second, 5*time.Millisecond)

	st := h.client.State()
	require.Contains(t, st.RemoteVideo, bob)
	require.NotEmpty(t, st.Connections)

	var notified atomic.Int32
	defer h.client.Subscribe(func(State) { notified.Add(1) })()

	h.client.Disconnect()

	st = h.client.State()
	assert.Equal(t, Disconnected, st.Status)
	assert.Empty(t, st.Connections)
	assert.Empty(t, st.Speaking)
	assert.Empty(t, st.RemoteVideo)
	assert.Nil(t, st.Roster)
	assert.False(t, st.MicGranted)
	assert.True(t, call.Closed())
	assert.True(t, h.channel().Closed())
	assert.True(t, mic.Closed())

	dials := len(h.channel().Dials(bobID))
	before := notified.Load()
	h.clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, notified.Load(), "no state change after disconnect")
	assert.Len(t, h.channel().Dials(bobID), dials, "no timer revives a session")

	h.client.Disconnect()
}

func TestDisconnectWaitsForPlaybackLoops(t *testing.T) {
	h := newHarness(t, players(self, bob)...)
	call := h.connectToBob()
	call.SimulateTrack(webrtc.RTPCodecTypeVideo)

	h.client.mu.Lock()
	sink := h.client.link.sink
	h.client.mu.Unlock()
	var hd playback.Handle
	require.Eventually(t, func() bool {
		var ok bool
		hd, ok = sink.Handle(bob)
		return ok && hd.Audio != nil && hd.Video != nil
	}, time.Second, time.Millisecond)

	h.client.Disconnect()

	for _, el := range []*playback.Element{hd.Audio, hd.Video} {
		select {
		case <-el.Done():
		default:
			t.Fatalf("%s loop still running after disconnect", el.Track().Kind())
		}
	}
}

// gatedChannel holds Open until a result is sent on release.
type gatedChannel struct {
	*coretest.Channel
	entered chan struct{}
	release chan error
}

func (c *gatedChannel) Open(ctx context.Context, id domain.RendezvousID) error {
	close(c.entered)
	if err := <-c.release; err != nil {
		return err
	}
	return c.Channel.Open(ctx, id)
}

func TestConcurrentConnectWaitsForOutcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	gate := &gatedChannel{Channel: coretest.NewChannel(), entered: make(chan struct{}), release: make(chan error, 1)}
	var opened atomic.Int32
	c := New(Options{
		Room: room, Self: self, Devices: &coretest.Devices{}, Directory: mocks.NewMockDirectory(ctrl), Clock: clock.NewMock(),
		NewChannel: func() (core.Channel, error) {
			opened.Add(1)
			return gate, nil
		},
	})
	t.Cleanup(c.Disconnect)

	first := make(chan error, 1)
	go func() { first <- c.Connect(context.Background()) }()
	<-gate.entered

	second := make(chan error, 1)
	go func() { second <- c.Connect(context.Background()) }()
	select {
	case err := <-second:
		t.Fatalf("second connect returned %v while the first was in flight", err)
	case <-time.After(20 * time.Millisecond):
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Connect(canceled), context.Canceled)

	gate.release <- domain.ErrIdentityConflict
	assert.ErrorIs(t, <-first, domain.ErrIdentityConflict)
	assert.ErrorIs(t, <-second, domain.ErrIdentityConflict)
	assert.Equal(t, Disconnected, c.State().Status)
	assert.EqualValues(t, 1, opened.Load())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	h := newHarness(t, players(self, bob)...)
	h.connectToBob()
	h.client.Disconnect()

	h.connect()
	assert.Len(t, h.channels, 2)
	assert.Len(t, h.channel().Dials(bobID), 1)
	assert.Len(t, h.devices.Silent, 2)
	assert.Equal(t, Connected, h.client.State().Status)
}

func TestDisconnectAbortsPendingPermissionPrompt(t *testing.T) {
	h := newHarness(t, players(self)...)
	h.devices.Block = make(chan struct{})
	h.connect()

	errs := make(chan error, 1)
	go func() { errs <- h.client.ToggleMute(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	h.client.Disconnect()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("permission prompt was not aborted")
	}
	st := h.client.State()
	assert.Empty(t, st.Error, "an aborted prompt is not a denial")
	assert.False(t, st.MicGranted)
	assert.Empty(t, h.devices.Mics)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	h := newHarness(t, players(self, bob)...)
	states := make(chan State, 64)
	cancel := h.client.Subscribe(func(s State) {
		select {
		case states <- s:
		default:
		}
	})
	defer cancel()

	h.connect()
	h.channel().Dials(bobID)[0].SimulateConnected()

	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-states:
				if s.Connections[bob].State == mesh.Connected {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, time.Millisecond)
}

// claims stands in for the rendezvous server's identity registry.
type claims struct {
	mu   sync.Mutex
	held map[domain.RendezvousID]*claimingChannel
}

type claimingChannel struct {
	*coretest.Channel
	claims *claims
}

func (c *claimingChannel) Open(ctx context.Context, id domain.RendezvousID) error {
	c.claims.mu.Lock()
	if _, taken := c.claims.held[id]; taken {
		c.claims.mu.Unlock()
		return domain.ErrIdentityConflict
	}
	c.claims.held[id] = c
	c.claims.mu.Unlock()
	return c.Channel.Open(ctx, id)
}

func (c *claimingChannel) Close() error {
	c.claims.mu.Lock()
	for id, owner := range c.claims.held {
		if owner == c {
			delete(c.claims.held, id)
		}
	}
	c.claims.mu.Unlock()
	return c.Channel.Close()
}

func TestSecondSessionWithSameIdentityIsRejected(t *testing.T) {
	shared := &claims{held: map[domain.RendezvousID]*claimingChannel{}}
	newClient := func(roster []domain.Participant) (*Client, *coretest.Devices, **claimingChannel) {
		ctrl := gomock.NewController(t)
		dir := mocks.NewMockDirectory(ctrl)
		dir.EXPECT().Participants(gomock.Any(), room).Return(roster, nil).AnyTimes()
		devices := &coretest.Devices{}
		var last *claimingChannel
		c := New(Options{
			Room: room, Self: self, Devices: devices, Directory: dir, Clock: clock.NewMock(),
			NewChannel: func() (core.Channel, error) {
				last = &claimingChannel{Channel: coretest.NewChannel(), claims: shared}
				return last, nil
			},
		})
		t.Cleanup(c.Disconnect)
		return c, devices, &last
	}
	a, aDevices, aChan := newClient(players(self, bob))
	b, bDevices, bChan := newClient(players(self, bob))

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); errA = a.Connect(context.Background()) }()
	go func() { defer wg.Done(); errB = b.Connect(context.Background()) }()
	wg.Wait()

	winner, loser := a, b
	loserErr, loserDevices, loserChan := errB, bDevices, *bChan
	if errA != nil {
		winner, loser = b, a
		loserErr, loserDevices, loserChan = errA, aDevices, *aChan
	}
	require.True(t, (errA == nil) != (errB == nil), "exactly one session wins: %v / %v", errA, errB)
	assert.ErrorIs(t, loserErr, domain.ErrIdentityConflict)

	assert.Equal(t, Connected, winner.State().Status)
	st := loser.State()
	assert.Equal(t, Disconnected, st.Status)
	assert.Equal(t, "Another session is already connected", st.Error)
	assert.Empty(t, st.Connections)
	assert.Nil(t, st.Roster)
	assert.True(t, loserChan.Closed())
	assert.Empty(t, loserChan.Dials(bobID), "no partial connection")
	assert.True(t, loserDevices.LastSilent().Closed())
	assert.Nil(t, loser.media.State().Audio)
}
