package signal

import (
	"encoding/json"

	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(c *WsSignalConn, data json.RawMessage) {
	var p protocol.RoomRef
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(c, codeBadPayload)
		return
	}
	log.Info().Str("module", "signal").Str("peer", string(c.id)).Str("room", string(p.Room)).Msg("join")
	ctl.replyErr(c, ctl.Hub.Join(c.id, p.Room))
}

// handleLeave takes the connection out of its rooms; the socket stays open.
func (ctl *SignalWSController) handleLeave(c *WsSignalConn) {
	log.Info().Str("module", "signal").Str("peer", string(c.id)).Msg("leave")
	ctl.replyErr(c, ctl.Hub.Leave(c.id))
}
