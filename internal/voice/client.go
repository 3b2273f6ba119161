// Package voice is the public entry point of the voice mesh: it wires local
// media, signaling, the peer mesh, playback and the speaking detector for one
// player in one room.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/mesh"
	"github.com/dkeye/voicemesh/internal/playback"
	"github.com/dkeye/voicemesh/internal/roster"
	"github.com/dkeye/voicemesh/internal/speaking"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const presenceTimeout = 5 * time.Second

type Options struct {
	Room domain.RoomCode
	Self domain.PlayerID

	Devices   core.Devices
	Directory core.Directory
	// NewChannel opens a fresh signaling channel for every Connect.
	NewChannel func() (core.Channel, error)

	Output     playback.Output
	Video      playback.VideoOutput
	NewDecoder func() (playback.Decoder, error)

	Mesh           mesh.Config
	Speaking       speaking.Config
	RosterInterval time.Duration
	Camera         core.VideoConstraints
	Clock          clock.Clock
}

// link is everything that lives between Connect and Disconnect.
type link struct {
	ctx      context.Context
	cancel   context.CancelFunc
	channel  core.Channel
	mesh     *mesh.Manager
	roster   *roster.Synchronizer
	detector *speaking.Detector
	sink     *playback.Sink
	stop     chan struct{}
	watcher  conc.WaitGroup
	posts    conc.WaitGroup
}

type attempt struct {
	done chan struct{}
	err  error
}

// Client is the voice chat of one player.
type Client struct {
	opts   Options
	media  *media.Controller
	logger zerolog.Logger

	// life serializes Connect, Disconnect and the toggles.
	life sync.Mutex

	mu     sync.Mutex
	status Status
	errMsg string
	link   *link
	abort  context.CancelFunc
	// pending is the Connect in flight, shared by concurrent callers.
	pending *attempt

	dirty     chan struct{}
	refreshMu sync.Mutex
	subMu     sync.Mutex
	subs      map[int]func(State)
	nextSub   int
}

func New(opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Mesh == (mesh.Config{}) {
		opts.Mesh = mesh.DefaultConfig()
	}
	if opts.Speaking == (speaking.Config{}) {
		opts.Speaking = speaking.DefaultConfig()
	}
	return &Client{
		opts:  opts,
		media: media.NewController(opts.Devices, opts.Camera),
		logger: log.With().
			Str("module", "voice").
			Str("room", string(opts.Room)).
			Stringer("player", opts.Self).
			Logger(),
		dirty: make(chan struct{}, 1),
		subs:  make(map[int]func(State)),
	}
}

// Connect joins the mesh with a silent audio track. It is a no-op while
// already connected. A call made while another Connect is in flight waits
// for it and returns its result.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case Connected:
		c.mu.Unlock()
		return nil
	case Connecting:
		p := c.pending
		c.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Unlock()

	c.life.Lock()
	defer c.life.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.status != Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.status = Connecting
	c.errMsg = ""
	c.abort = cancel
	p := &attempt{done: make(chan struct{})}
	c.pending = p
	c.mu.Unlock()
	c.refresh()

	l, err := c.open(ctx)

	c.mu.Lock()
	c.abort = nil
	c.pending = nil
	p.err = err
	close(p.done)
	if err != nil {
		c.status = Disconnected
		c.errMsg = domain.UserMessage(err)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("connect failed")
		c.refresh()
		return err
	}
	c.link = l
	c.status = Connected
	c.mu.Unlock()

	l.watcher.Go(func() { c.watch(l.stop) })
	c.logger.Info().Msg("voice connected")
	c.refresh()
	return nil
}

// open builds and starts the components of one connection. On failure
// nothing is left running.
func (c *Client) open(ctx context.Context) (*link, error) {
	stream, err := c.media.AcquireSilentAudio()
	if err != nil {
		return nil, fmt.Errorf("silent audio: %w", err)
	}
	ch, err := c.opts.NewChannel()
	if err != nil {
		c.media.Release()
		return nil, err
	}
	self := domain.RendezvousFor(c.opts.Room, c.opts.Self)
	if err := ch.Open(ctx, self); err != nil {
		_ = ch.Close()
		c.media.Release()
		return nil, err
	}
	c.logger.Debug().Str("stream", stream.ID).Str("id", string(self)).Msg("identity claimed")

	runCtx, cancel := context.WithCancel(context.Background())
	l := &link{ctx: runCtx, cancel: cancel, channel: ch, stop: make(chan struct{})}

	l.detector = speaking.NewDetector(c.opts.Speaking, c.opts.Clock)
	l.detector.OnChange(func(speaking.Set) { c.markDirty() })
	l.sink = playback.NewSink(playback.Options{
		Output:        c.opts.Output,
		Video:         c.opts.Video,
		Analysers:     l.detector,
		NewDecoder:    c.opts.NewDecoder,
		OnVideoChange: func(playback.VideoTracks) { c.markDirty() },
	})
	l.roster = roster.NewSynchronizer(c.opts.Directory, c.opts.Room, c.opts.RosterInterval, c.opts.Clock)
	l.roster.OnUpdate(func([]domain.Participant) { c.markDirty() })
	l.mesh = mesh.NewManager(c.opts.Mesh, c.opts.Room, c.opts.Self, mesh.Deps{
		Channel: ch,
		Stream:  c.media.Stream,
		Roster:  l.roster.Snapshot,
		Sink:    l.sink,
		Clock:   c.opts.Clock,
	})
	l.mesh.OnChange(c.markDirty)

	local := l.detector.Observe(c.opts.Self)
	c.media.SetAudioTap(local.Write)
	l.detector.Start()
	l.roster.Start(runCtx)
	l.mesh.Start(runCtx)
	return l, nil
}

// Disconnect tears everything down. Safe to call at any time; it returns
// once every timer is stopped and every call is closed.
func (c *Client) Disconnect() {
	// Unblock a pending Connect or permission prompt before queueing up.
	c.mu.Lock()
	if c.abort != nil {
		c.abort()
	}
	if c.link != nil {
		c.link.cancel()
	}
	c.mu.Unlock()

	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	l := c.link
	c.link = nil
	was := c.status
	c.status = Disconnected
	c.mu.Unlock()

	if l != nil {
		l.roster.Stop()
		l.mesh.Close()
		if err := l.channel.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("channel close")
		}
		l.sink.DetachAll()
		l.sink.Wait()
		l.detector.Stop()
		l.posts.Wait()
		close(l.stop)
		l.watcher.Wait()
	}
	c.media.SetAudioTap(nil)
	c.media.Release()
	if was != Disconnected {
		c.logger.Info().Msg("voice disconnected")
	}
	c.refresh()
}

// ToggleMute mutes or unmutes the local audio. The first unmute asks for
// the microphone and swaps it into every call.
func (c *Client) ToggleMute(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	l, err := c.current()
	if err != nil {
		return err
	}
	ctx, stop := l.bind(ctx)
	defer stop()

	st := c.media.State()
	if st.MicGranted {
		c.media.SetMuted(!st.Muted)
		c.post(l, func(ctx context.Context) error {
			return c.opts.Directory.SetMuted(ctx, c.opts.Room, c.opts.Self, !st.Muted)
		})
		c.refresh()
		return nil
	}

	stream, err := c.requestDevice(ctx, c.media.RequestMicrophone)
	if err != nil {
		return err
	}
	l.mesh.ReplaceTrack(stream.Audio)
	c.post(l, func(ctx context.Context) error {
		return c.opts.Directory.SetMuted(ctx, c.opts.Room, c.opts.Self, false)
	})
	c.refresh()
	return nil
}

// ToggleVideo turns the camera on or off. The first call asks for the
// camera; calls negotiated without video are re-dialed to carry it.
func (c *Client) ToggleVideo(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	l, err := c.current()
	if err != nil {
		return err
	}
	ctx, stop := l.bind(ctx)
	defer stop()

	st := c.media.State()
	if st.CameraGranted {
		c.media.SetVideoEnabled(!st.VideoEnabled)
		c.post(l, func(ctx context.Context) error {
			return c.opts.Directory.SetVideoEnabled(ctx, c.opts.Room, c.opts.Self, !st.VideoEnabled)
		})
		c.refresh()
		return nil
	}

	stream, err := c.requestDevice(ctx, c.media.RequestCamera)
	if err != nil {
		return err
	}
	l.mesh.ReplaceTrack(stream.Video)
	c.post(l, func(ctx context.Context) error {
		return c.opts.Directory.SetVideoEnabled(ctx, c.opts.Room, c.opts.Self, true)
	})
	c.refresh()
	return nil
}

func (c *Client) requestDevice(ctx context.Context, request func(context.Context) (core.Stream, error)) (core.Stream, error) {
	stream, err := request(ctx)
	if err == nil {
		return stream, nil
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		c.setError(err)
	}
	return core.Stream{}, err
}

// DismissError clears the user-visible message.
func (c *Client) DismissError() {
	c.mu.Lock()
	c.errMsg = ""
	c.mu.Unlock()
	c.refresh()
}

// State assembles the current aggregate.
func (c *Client) State() State {
	c.mu.Lock()
	st := State{Status: c.status, Error: c.errMsg}
	l := c.link
	c.mu.Unlock()

	ms := c.media.State()
	st.Muted = ms.Muted
	st.VideoEnabled = ms.VideoEnabled
	st.MicGranted = ms.MicGranted
	st.CameraGranted = ms.CameraGranted
	st.LocalVideo = ms.Video

	if l == nil {
		st.Speaking = speaking.Set{}
		st.RemoteVideo = playback.VideoTracks{}
		st.Connections = mesh.ConnectionStateMap{}
		return st
	}
	st.Roster = l.roster.Snapshot()
	st.Speaking = l.detector.Set()
	st.RemoteVideo = l.sink.VideoTracks()
	st.Connections = l.mesh.Snapshot()
	return st
}

// Subscribe calls fn with every new State until cancel is called. fn runs on
// an internal goroutine and must not call Connect or Disconnect.
func (c *Client) Subscribe(fn func(State)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Client) current() (*link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != Connected || c.link == nil {
		return nil, domain.ErrNotConnected
	}
	return c.link, nil
}

func (c *Client) setError(err error) {
	msg := domain.UserMessage(err)
	if msg == "" {
		return
	}
	c.mu.Lock()
	c.errMsg = msg
	c.mu.Unlock()
	c.refresh()
}

// post sends a presence update in the background; failures are logged only.
func (c *Client) post(l *link, fn func(context.Context) error) {
	if c.opts.Directory == nil {
		return
	}
	l.posts.Go(func() {
		ctx, cancel := context.WithTimeout(l.ctx, presenceTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("presence update")
		}
	})
}

// bind derives a context that also ends when the link is torn down.
func (l *link) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(l.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// markDirty schedules a refresh. Component callbacks run under component
// locks, so it never blocks.
func (c *Client) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *Client) watch(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-c.dirty:
			c.refresh()
		}
	}
}

func (c *Client) refresh() {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	st := c.State()
	c.subMu.Lock()
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}
