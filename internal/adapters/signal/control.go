package signal

import (
	"errors"

	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/dkeye/voicemesh/internal/relay"
)

const (
	codeBadPayload   = "bad_payload"
	codeUnknownEvent = "unknown_event"
	codeNotInRoom    = "not_in_room"
	codeUnknownPeer  = "unknown_peer"
	codeRateLimited  = "rate_limited"
)

func (ctl *SignalWSController) handlePing(c *WsSignalConn) {
	ctl.sendEvent(c, protocol.EventPong, protocol.Ping{})
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code string) {
	ctl.sendEvent(c, protocol.EventError, protocol.ErrorPayload{Code: code})
}

// replyErr maps hub errors to error codes. Nil is ignored.
func (ctl *SignalWSController) replyErr(c *WsSignalConn, err error) {
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrNotInRoom):
		ctl.sendError(c, codeNotInRoom)
	case errors.Is(err, relay.ErrUnknownPeer):
		ctl.sendError(c, codeUnknownPeer)
	default:
		ctl.sendError(c, codeBadPayload)
	}
}
