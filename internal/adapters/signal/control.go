package signal

import (
	"errors"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) relay(id domain.RendezvousID, c *WsSignalConn, env core.Envelope) {
	err := ctl.Orch.Relay(id, env)
	typ := string(env.Type)
	switch {
	case err == nil:
		ctl.Metrics.Messages.WithLabelValues(typ, outcomeRelayed).Inc()
	case errors.Is(err, app.ErrPeerOffline):
		ctl.Metrics.Messages.WithLabelValues(typ, outcomeExpired).Inc()
		ctl.replyExpire(c, env)
	case errors.Is(err, domain.ErrInvalidRendezvous):
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(id)).Msg("relay rejected")
		ctl.Metrics.Messages.WithLabelValues(typ, outcomeRejected).Inc()
		ctl.replyError(c, env, "invalid destination")
	default:
		log.Debug().Err(err).Str("module", "signal").Str("peer", string(id)).Str("dst", string(env.Dst)).Msg("relay dropped")
		ctl.Metrics.Messages.WithLabelValues(typ, outcomeDropped).Inc()
	}
}

// replyExpire tells the sender that the destination is not connected.
// Hang-ups and errors to an absent peer need no answer.
func (ctl *SignalWSController) replyExpire(c *WsSignalConn, env core.Envelope) {
	if env.Type == core.MsgLeave || env.Type == core.MsgError {
		return
	}
	ctl.sendEnvelope(c, core.Envelope{
		Type: core.MsgExpire,
		Src:  env.Dst,
		Payload: &core.Payload{
			ConnectionID: env.ConnectionID(),
			Message:      "Could not send message to peer " + string(env.Dst),
		},
	})
}

func (ctl *SignalWSController) replyError(c *WsSignalConn, env core.Envelope, msg string) {
	if env.Type == core.MsgError {
		return
	}
	ctl.sendEnvelope(c, core.Envelope{
		Type: core.MsgError,
		Src:  env.Dst,
		Payload: &core.Payload{
			ConnectionID: env.ConnectionID(),
			Message:      msg,
		},
	})
}
