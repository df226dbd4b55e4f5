// Package wsclient is the client side of the relay socket.
package wsclient

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	writeWait  = 5 * time.Second
	flushWait  = time.Second
	sendBuffer = 64
)

// Conn implements core.Transport over one gorilla websocket.
type Conn struct {
	ws  *websocket.Conn
	id  domain.PeerID
	url string

	send chan []byte

	mu           sync.RWMutex
	closed       bool
	handlers     map[string]map[int]core.Handler
	nextSub      int
	onDisconnect []func(error)

	closeOnce   sync.Once
	writerDone  chan struct{}
	readerDone  chan struct{}
	localClosed bool
}

var _ core.Transport = (*Conn)(nil)

func newConn(ws *websocket.Conn, id domain.PeerID, url string, buf int) *Conn {
	if buf <= 0 {
		buf = sendBuffer
	}
	return &Conn{
		ws:         ws,
		id:         id,
		url:        url,
		send:       make(chan []byte, buf),
		handlers:   make(map[string]map[int]core.Handler),
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

func (c *Conn) ID() domain.PeerID { return c.id }

// Emit queues one event without blocking.
func (c *Conn) Emit(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

type subscription struct {
	once  sync.Once
	conn  *Conn
	event string
	id    int
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.conn.mu.Lock()
		defer s.conn.mu.Unlock()
		if hs, ok := s.conn.handlers[s.event]; ok {
			delete(hs, s.id)
		}
	})
}

func (c *Conn) On(event string, h core.Handler) core.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs, ok := c.handlers[event]
	if !ok {
		hs = make(map[int]core.Handler)
		c.handlers[event] = hs
	}
	id := c.nextSub
	c.nextSub++
	hs[id] = h
	return &subscription{conn: c, event: event, id: id}
}

func (c *Conn) OnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// Disconnect flushes queued frames, closes the socket and is idempotent.
// Disconnect callbacks are not invoked for a local disconnect.
func (c *Conn) Disconnect() error {
	c.shutdown(true)
	select {
	case <-c.writerDone:
	case <-time.After(flushWait):
		_ = c.ws.Close()
	}
	return nil
}

func (c *Conn) shutdown(local bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.localClosed = local
		close(c.send)
		c.mu.Unlock()
		log.Info().Str("module", "wsclient").Str("peer", string(c.id)).Bool("local", local).Msg("closing")
	})
}

func (c *Conn) handlersFor(event string) []core.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hs := c.handlers[event]
	out := make([]core.Handler, 0, len(hs))
	for i := 0; i < c.nextSub; i++ {
		if h, ok := hs[i]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (c *Conn) notifyDisconnect(err error) {
	c.mu.RLock()
	local := c.localClosed
	fns := append([]func(error){}, c.onDisconnect...)
	c.mu.RUnlock()
	if local {
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}
