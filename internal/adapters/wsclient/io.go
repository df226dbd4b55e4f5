package wsclient

import (
	"time"

	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Conn) writePump() {
	defer func() {
		close(c.writerDone)
		_ = c.ws.Close()
	}()
	for data := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "wsclient").Msg("writePump set deadline")
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "wsclient").Msg("writePump write error")
			return
		}
	}
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
}

// readPump delivers events to handlers one at a time in arrival order.
func (c *Conn) readPump() {
	var readErr error
	defer func() {
		c.shutdown(false)
		close(c.readerDone)
		log.Info().Str("module", "wsclient").Str("peer", string(c.id)).Msg("readPump closing")
		c.notifyDisconnect(readErr)
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				readErr = err
			}
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("dropping frame")
			continue
		}
		handlers := c.handlersFor(env.Event)
		if len(handlers) == 0 {
			log.Debug().Str("module", "wsclient").Str("event", env.Event).Msg("no handler")
			continue
		}
		for _, h := range handlers {
			h(env.Data)
		}
	}
}
