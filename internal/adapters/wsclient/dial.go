package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrNoWelcome = errors.New("relay did not assign a connection id")

const welcomeWait = 10 * time.Second

// Dialer opens relay sockets. Token, when set, is passed as the token query parameter.
type Dialer struct {
	Token      string
	SendBuffer int
	WS         *websocket.Dialer
}

var _ core.Dialer = Dialer{}

func (d Dialer) Dial(ctx context.Context, rawURL string) (core.Transport, error) {
	target, err := withToken(rawURL, d.Token)
	if err != nil {
		return nil, &core.TransportError{URL: rawURL, Op: "parse", Err: err}
	}
	wsd := d.WS
	if wsd == nil {
		wsd = websocket.DefaultDialer
	}
	ws, resp, err := wsd.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &core.TransportError{URL: rawURL, Op: "dial", Err: err}
	}

	deadline := time.Now().Add(welcomeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = ws.SetReadDeadline(deadline)
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, &core.TransportError{URL: rawURL, Op: "welcome", Err: err}
	}
	_ = ws.SetReadDeadline(time.Time{})

	env, err := protocol.DecodeEnvelope(data)
	if err != nil || env.Event != protocol.EventWelcome {
		_ = ws.Close()
		return nil, &core.TransportError{URL: rawURL, Op: "welcome", Err: ErrNoWelcome}
	}
	var w protocol.Welcome
	if err := protocol.Decode(env.Data, &w); err != nil {
		_ = ws.Close()
		return nil, &core.TransportError{URL: rawURL, Op: "welcome", Err: err}
	}

	c := newConn(ws, w.PeerID, rawURL, d.SendBuffer)
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "wsclient").Str("url", rawURL).Str("peer", string(w.PeerID)).Msg("connected")
	return c, nil
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
