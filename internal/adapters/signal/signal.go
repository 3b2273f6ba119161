// Package signal is the server side of the rendezvous protocol: it binds
// rendezvous ids to websockets and relays envelopes between them.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait     = 5 * time.Second
	sendQueueSize = 32
)

var (
	ErrBackpressure = errors.New("backpressure")
	errConnClosed   = errors.New("connection closed")
)

type Config struct {
	ReadLimit  int64
	PingPeriod time.Duration
	// Rate and Burst bound the messages one connection may send; zero
	// Rate disables the limit.
	Rate  float64
	Burst int
}

type SignalWSController struct {
	Orch    *app.Orchestrator
	Metrics *Metrics
	cfg     Config
}

func NewSignalWSController(orch *app.Orchestrator, metrics *Metrics, cfg Config) *SignalWSController {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = 54 * time.Second
	}
	return &SignalWSController{Orch: orch, Metrics: metrics, cfg: cfg}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and claims the rendezvous id given in
// the id query parameter. The first message on the socket is OPEN, or
// ID-TAKEN followed by a close when the id is held by a live connection.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	id := domain.RendezvousID(c.Query("id"))
	if _, _, err := domain.ParseRendezvous(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("peer", string(id)).Msg("new WS connection")

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan []byte, sendQueueSize),
	}
	// Nothing can reach conn before Claim, so OPEN is queued first.
	ctl.sendEnvelope(conn, core.Envelope{Type: core.MsgOpen})

	ctx, cancel := context.WithCancel(ctx)
	if err := ctl.Orch.Registry.Claim(id, conn, cancel); err != nil {
		cancel()
		ctl.Metrics.Conflicts.Inc()
		ctl.reject(ws, id)
		return
	}
	ctl.Metrics.Connections.Inc()

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, id, conn)
}

func (ctl *SignalWSController) reject(ws *websocket.Conn, id domain.RendezvousID) {
	defer ws.Close()
	data, err := core.Envelope{
		Type:    core.MsgIDTaken,
		Payload: &core.Payload{Message: "ID is taken"},
	}.Encode()
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(id)).Msg("reject write")
		return
	}
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "id taken"))
	log.Info().Str("module", "signal").Str("peer", string(id)).Msg("rejected duplicate id")
}
