// Package rtc implements the signaling channel and media calls over a
// websocket to the rendezvous server and pion peer connections.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const (
	writeWait     = 5 * time.Second
	openTimeout   = 10 * time.Second
	sendQueueSize = 64

	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

var ErrBackpressure = errors.New("backpressure")

type Config struct {
	// URL of the rendezvous endpoint, ws:// or wss://.
	URL string
	// ICEServers overrides the default STUN server; empty means host
	// candidates only.
	ICEServers []string
	PingPeriod time.Duration
	Dialer     *websocket.Dialer
	// ReconnectDelay is the first backoff step after the websocket drops.
	// It doubles per failed attempt up to 30s.
	ReconnectDelay time.Duration
	Clock          clock.Clock
}

// Channel is a core.Channel backed by one websocket.
type Channel struct {
	cfg    Config
	api    *webrtc.API
	rtcCfg webrtc.Configuration
	logger zerolog.Logger

	mu         sync.Mutex
	id         domain.RendezvousID
	conn       *websocket.Conn
	send       chan []byte
	lost       bool
	closed     bool
	cancel     context.CancelFunc
	written    chan struct{}
	calls      map[string]*Call
	onIncoming func(core.Call)
	queued     []*Call
	wg         conc.WaitGroup

	// life is canceled by Close and bounds reconnect attempts.
	life context.Context
	stop context.CancelFunc
}

func NewChannel(cfg Config) (*Channel, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	rtcCfg := DefaultWebRTCConfig()
	if cfg.ICEServers != nil {
		rtcCfg.ICEServers = nil
		if len(cfg.ICEServers) > 0 {
			rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	life, stop := context.WithCancel(context.Background())
	return &Channel{
		cfg:    cfg,
		api:    api,
		rtcCfg: rtcCfg,
		logger: log.With().Str("module", "rtc").Logger(),
		calls:  make(map[string]*Call),
		life:   life,
		stop:   stop,
	}, nil
}

// Open connects to the rendezvous server and claims id.
func (c *Channel) Open(ctx context.Context, id domain.RendezvousID) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return net.ErrClosed
	case c.conn != nil && !c.lost && c.id == id:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.connect(ctx, id)
	if err != nil {
		return err
	}
	if err := c.start(id, conn); err != nil {
		return err
	}
	c.logger.Info().Str("id", string(id)).Msg("signaling open")
	return nil
}

func (c *Channel) connect(ctx context.Context, id domain.RendezvousID) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("id", string(id))
	u.RawQuery = q.Encode()

	conn, _, err := c.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSignalRelay, err)
	}
	unblock := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	err = c.awaitOpen(ctx, conn)
	if !unblock() && err == nil {
		err = fmt.Errorf("%w: %w", domain.ErrSignalRelay, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// start installs conn as the live websocket and runs its pumps. Calls and
// the incoming handler survive a restart.
func (c *Channel) start(id domain.RendezvousID, conn *websocket.Conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return net.ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
	}
	old := c.conn
	loopCtx, cancel := context.WithCancel(context.Background())
	c.id, c.conn, c.lost, c.cancel = id, conn, false, cancel
	send := make(chan []byte, sendQueueSize)
	written := make(chan struct{})
	c.send, c.written = send, written
	c.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}
	c.wg.Go(func() {
		defer close(written)
		c.writePump(loopCtx, conn, send)
	})
	c.wg.Go(func() { c.readPump(loopCtx, conn) })
	if c.cfg.PingPeriod > 0 {
		c.wg.Go(func() { c.heartbeat(loopCtx, c.cfg.PingPeriod/2) })
	}
	return nil
}

// reconnect reclaims id with exponential backoff until it succeeds, the
// channel is closed, or a newer Open replaced the lost websocket.
func (c *Channel) reconnect(id domain.RendezvousID) {
	delay := c.cfg.ReconnectDelay
	for attempt := 1; ; attempt++ {
		timer := c.cfg.Clock.Timer(delay)
		select {
		case <-c.life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		stale := c.closed || c.id != id || !c.lost
		c.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(c.life, openTimeout)
		conn, err := c.connect(ctx, id)
		cancel()
		if err == nil {
			err = c.start(id, conn)
		}
		switch {
		case err == nil:
			c.logger.Info().Str("id", string(id)).Int("attempt", attempt).Msg("signaling restored")
			return
		case errors.Is(err, net.ErrClosed):
			return
		}
		// The server keeps a dropped id until it notices the dead socket,
		// so ID-TAKEN is retried like any relay failure.
		delay = min(delay*2, maxReconnectDelay)
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("reconnect failed")
	}
}

func (c *Channel) awaitOpen(ctx context.Context, conn *websocket.Conn) error {
	deadline := time.Now().Add(openTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignalRelay, err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignalRelay, err)
	}
	env, err := core.DecodeEnvelope(data)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSignalRelay, err)
	}
	switch env.Type {
	case core.MsgOpen:
		return conn.SetReadDeadline(time.Time{})
	case core.MsgIDTaken:
		return domain.ErrIdentityConflict
	default:
		return fmt.Errorf("%w: unexpected %s", domain.ErrSignalRelay, env.Type)
	}
}

// Dial places a call to remote. Negotiation finishes asynchronously.
func (c *Channel) Dial(ctx context.Context, remote domain.RendezvousID, stream core.Stream) (core.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.ready() {
		return nil, fmt.Errorf("%w: not open", domain.ErrSignalRelay)
	}
	cid := "mc_" + uuid.NewString()
	call, err := newCall(c, remote, cid, true)
	if err != nil {
		return nil, err
	}
	senders, err := call.conn.addTracks(stream, true)
	if err != nil {
		call.conn.close()
		return nil, fmt.Errorf("add tracks: %w", err)
	}
	call.senders = senders
	offer, err := call.conn.createOffer()
	if err != nil {
		call.conn.close()
		return nil, fmt.Errorf("create offer: %w", err)
	}

	c.mu.Lock()
	c.calls[cid] = call
	c.mu.Unlock()
	if err := c.sendTo(core.MsgOffer, remote, &core.Payload{ConnectionID: cid, SDP: &offer}); err != nil {
		c.forget(cid)
		call.conn.close()
		return nil, err
	}
	call.logger.Info().Msg("offer sent")
	return call, nil
}

// OnIncomingCall sets the handler for offers. Offers that arrived earlier
// are delivered now.
func (c *Channel) OnIncomingCall(fn func(core.Call)) {
	c.mu.Lock()
	c.onIncoming = fn
	queued := c.queued
	c.queued = nil
	c.mu.Unlock()
	for _, call := range queued {
		fn(call)
	}
}

// Close hangs up every call and the websocket. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	calls := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		calls = append(calls, call)
	}
	c.queued = nil
	cancel, conn, written := c.cancel, c.conn, c.written
	c.mu.Unlock()
	c.stop()

	// LEAVEs are queued here and flushed by the write pump on cancel.
	for _, call := range calls {
		call.Close()
	}
	if cancel != nil {
		cancel()
		<-written
	}
	var err error
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = conn.Close()
	}
	c.wg.Wait()
	c.logger.Info().Msg("signaling closed")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Channel) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.lost && !c.closed
}

func (c *Channel) forget(cid string) {
	c.mu.Lock()
	delete(c.calls, cid)
	c.mu.Unlock()
}

func (c *Channel) lookup(cid string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[cid]
}

func (c *Channel) sendTo(t core.MessageType, dst domain.RendezvousID, p *core.Payload) error {
	return c.sendEnvelope(core.Envelope{Type: t, Dst: dst, Payload: p})
}

func (c *Channel) sendEnvelope(env core.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.send == nil || c.lost {
		return fmt.Errorf("%w: not open", domain.ErrSignalRelay)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: %w", domain.ErrSignalRelay, ErrBackpressure)
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			c.flushQueue(conn, send)
			return
		case data := <-send:
			if err := c.write(conn, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Channel) flushQueue(conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case data := <-send:
			if err := c.write(conn, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("signaling lost")
				c.mu.Lock()
				c.lost = true
				id, closed := c.id, c.closed
				c.mu.Unlock()
				if !closed {
					c.wg.Go(func() { c.reconnect(id) })
				}
			}
			return
		}
		env, err := core.DecodeEnvelope(data)
		if err != nil {
			c.logger.Error().Err(err).Msg("bad json")
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Channel) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendEnvelope(core.Envelope{Type: core.MsgHeartbeat}); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat")
			}
		}
	}
}

func (c *Channel) handleEnvelope(env core.Envelope) {
	cid := env.ConnectionID()
	switch env.Type {
	case core.MsgOffer:
		c.handleOffer(env)
	case core.MsgAnswer:
		if call := c.lookup(cid); call != nil {
			call.handleAnswer(env.Payload.SDP)
		}
	case core.MsgCandidate:
		if call := c.lookup(cid); call != nil {
			call.handleCandidate(env.Payload.Candidate)
		}
	case core.MsgLeave:
		if call := c.lookup(cid); call != nil {
			call.handleLeave()
		}
	case core.MsgExpire, core.MsgError:
		msg := ""
		if env.Payload != nil {
			msg = env.Payload.Message
		}
		call := c.lookup(cid)
		if call == nil {
			c.logger.Warn().Str("type", string(env.Type)).Str("msg", msg).Msg("server error")
			return
		}
		call.fail(fmt.Errorf("%w: %s %s", domain.ErrDialFailure, env.Type, msg))
	case core.MsgOpen, core.MsgHeartbeat:
	default:
		c.logger.Warn().Str("type", string(env.Type)).Msg("unknown signal")
	}
}

func (c *Channel) handleOffer(env core.Envelope) {
	cid := env.ConnectionID()
	if env.Src == "" || cid == "" || env.Payload.SDP == nil {
		c.logger.Warn().Msg("malformed offer")
		return
	}
	call, err := newCall(c, env.Src, cid, false)
	if err != nil {
		c.logger.Error().Err(err).Msg("incoming call")
		return
	}
	if err := call.conn.applyOffer(*env.Payload.SDP); err != nil {
		call.logger.Error().Err(err).Msg("apply offer")
		call.conn.close()
		_ = c.sendTo(core.MsgError, env.Src, &core.Payload{ConnectionID: cid, Message: err.Error()})
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		call.conn.close()
		return
	}
	c.calls[cid] = call
	fn := c.onIncoming
	if fn == nil {
		c.queued = append(c.queued, call)
	}
	c.mu.Unlock()

	call.logger.Info().Msg("incoming call")
	if fn != nil {
		fn(call)
	}
}
