package signal

import (
	"encoding/json"

	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleSignal forwards offers, answers, candidates and metadata. The relay
// never looks inside the session description.
func (ctl *SignalWSController) handleSignal(c *WsSignalConn, data json.RawMessage) {
	var s protocol.Signal
	if err := protocol.Decode(data, &s); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("peer", string(c.id)).Msg("bad signal payload")
		ctl.sendError(c, codeBadPayload)
		return
	}
	log.Debug().Str("module", "signal").Str("peer", string(c.id)).Str("type", string(s.Type)).Str("to", string(s.To)).Msg("signal")
	ctl.replyErr(c, ctl.Hub.Signal(c.id, s))
}
