package signal

import (
	"encoding/json"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoinRoom(c *WsSignalConn, data json.RawMessage) {
	var p protocol.JoinRoom
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad joinRoom payload")
		ctl.sendError(c, codeBadPayload)
		return
	}
	name, err := domain.NormalizeDisplayName(p.Username)
	if err != nil {
		name = domain.DefaultDisplayName
	}
	p.Username = name
	log.Info().Str("module", "signal").Str("peer", string(c.id)).Str("room", string(p.RoomID)).Str("name", name).Msg("joinRoom")
	ctl.replyErr(c, ctl.Hub.JoinChat(c.id, p))
}

func (ctl *SignalWSController) handleSendMessage(c *WsSignalConn, data json.RawMessage) {
	var p protocol.SendMessage
	if err := protocol.Decode(data, &p); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("bad sendMessage payload")
		ctl.sendError(c, codeBadPayload)
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(c.id) {
		log.Warn().Str("module", "signal").Str("peer", string(c.id)).Msg("chat rate limited")
		ctl.sendError(c, codeRateLimited)
		return
	}
	ctl.replyErr(c, ctl.Hub.SendMessage(c.id, p))
}
