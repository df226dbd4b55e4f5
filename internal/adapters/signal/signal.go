// Package signal serves the relay websocket: one connection per client
// socket, frames in and out as protocol envelopes.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("connection closed")

const (
	writeWait = 5 * time.Second
	// IdentityKey is where the router stores the caller's identity.
	IdentityKey = "identity"
)

type SignalWSController struct {
	Hub     *relay.Hub
	Limiter *RoomRateLimiter

	readLimit  int64
	pingPeriod time.Duration
	sendBuffer int
}

func NewSignalWSController(hub *relay.Hub, cfg *config.RelayConfig) *SignalWSController {
	ctl := &SignalWSController{
		Hub:        hub,
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
		sendBuffer: cfg.SendBuffer,
	}
	if cfg.ChatRateLimit > 0 {
		ctl.Limiter = NewRoomRateLimiter(cfg.ChatRateLimit, cfg.ChatRateInterval)
	}
	if ctl.sendBuffer <= 0 {
		ctl.sendBuffer = 64
	}
	return ctl
}

// WsSignalConn is one relay socket. It implements relay.Member.
type WsSignalConn struct {
	id   domain.PeerID
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

var _ relay.Member = (*WsSignalConn)(nil)

func (c *WsSignalConn) ID() domain.PeerID { return c.id }

func (c *WsSignalConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return relay.ErrBackpressure
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

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		id:   domain.PeerID(uuid.NewString()),
		conn: ws,
		send: make(chan []byte, ctl.sendBuffer),
	}
	l := log.With().Str("module", "signal").Str("peer", string(conn.id)).Logger()
	if id, ok := c.Get(IdentityKey); ok {
		if ident, ok := id.(domain.Identity); ok {
			l = l.With().Str("sub", ident.Subject).Logger()
		}
	}
	l.Info().Str("remote", c.Request.RemoteAddr).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	ctl.Hub.Attach(conn)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
