package signal

import (
	"context"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.cfg.PingPeriod * 10 / 9
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.RendezvousID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("peer", string(id)).Msg("readPump closing")
		if ctl.Orch.Registry.Release(id, c) {
			ctl.Metrics.Connections.Dec()
		}
		ctl.Orch.Forget(id)
		cancel()
		c.Close()
	}()

	if ctl.cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	}
	extend := func() { _ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait())) }
	extend()
	c.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	limiter := newLimiter(ctl.cfg.Rate, ctl.cfg.Burst)
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("peer", string(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("peer", string(id)).Msg("readPump read error")
				}
				return
			}
			extend()
			ctl.handleSignal(id, c, limiter, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(id domain.RendezvousID, c *WsSignalConn, limiter *rate.Limiter, data []byte) {
	env, err := core.DecodeEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(id)).Msg("bad json")
		ctl.Metrics.Messages.WithLabelValues("invalid", outcomeRejected).Inc()
		return
	}

	switch env.Type {
	case core.MsgHeartbeat:
		return
	case core.MsgOffer, core.MsgAnswer, core.MsgCandidate, core.MsgLeave, core.MsgError:
		if !limiter.Allow() {
			ctl.Metrics.Messages.WithLabelValues(string(env.Type), outcomeLimited).Inc()
			ctl.replyError(c, env, "rate limit exceeded")
			return
		}
		ctl.relay(id, c, env)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.Metrics.Messages.WithLabelValues(string(env.Type), outcomeRejected).Inc()
	}
}

func (ctl *SignalWSController) sendEnvelope(c *WsSignalConn, env core.Envelope) {
	b, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendEnvelope marshal")
		return
	}
	_ = c.TrySend(b)
}
