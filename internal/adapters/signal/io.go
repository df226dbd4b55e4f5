package signal

import (
	"context"
	"time"

	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var tick <-chan time.Time
	if ctl.pingPeriod > 0 {
		ticker := time.NewTicker(ctl.pingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("peer", string(c.id)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("peer", string(c.id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("peer", string(c.id)).Msg("writePump write error")
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("peer", string(c.id)).Msg("ping failed")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("peer", string(c.id)).Msg("readPump closing")
		cancel()
		ctl.Hub.Detach(c.id)
		if ctl.Limiter != nil {
			ctl.Limiter.Forget(c.id)
		}
		c.Close()
	}()

	if ctl.readLimit > 0 {
		c.conn.SetReadLimit(ctl.readLimit)
	}
	if ctl.pingPeriod > 0 {
		wait := ctl.pingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("peer", string(c.id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("peer", string(c.id)).Msg("readPump read error")
				}
				return
			}
			ctl.handleFrame(c, data)
		}
	}
}

func (ctl *SignalWSController) handleFrame(c *WsSignalConn, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(c.id)).Msg("bad envelope")
		ctl.sendError(c, codeBadPayload)
		return
	}

	switch env.Event {
	case protocol.EventJoin:
		ctl.handleJoin(c, env.Data)
	case protocol.EventLeave:
		ctl.handleLeave(c)
	case protocol.EventPing:
		ctl.handlePing(c)
	case protocol.EventSignal:
		ctl.handleSignal(c, env.Data)
	case protocol.EventJoinRoom:
		ctl.handleJoinRoom(c, env.Data)
	case protocol.EventSendMessage:
		ctl.handleSendMessage(c, env.Data)
	default:
		log.Warn().Str("module", "signal").Str("event", env.Event).Msg("unknown event")
		ctl.sendError(c, codeUnknownEvent)
	}
}

func (ctl *SignalWSController) sendEvent(c *WsSignalConn, event string, payload any) {
	if err := ctl.Hub.Send(c.id, event, payload); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("peer", string(c.id)).Str("event", event).Msg("send")
	}
}
