package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/voicemesh/internal/adapters/meetings"
	"github.com/dkeye/voicemesh/internal/adapters/wsclient"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/identity"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/dkeye/voicemesh/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const secret = "test-secret"

type testRelay struct {
	srv   *httptest.Server
	hub   *relay.Hub
	store *meetings.RedisStore
	ws    string
}

func newTestRelay(t *testing.T, jwtSecret string) *testRelay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := meetings.NewRedisStore(rdb, "test", time.Hour)
	hub := relay.NewHub(relay.SimplePolicy{}, store)
	cfg := &config.RelayConfig{
		Mode:             "test",
		ReadLimit:        65536,
		SendBuffer:       32,
		JWTSecret:        jwtSecret,
		ChatRateLimit:    2,
		ChatRateInterval: time.Minute,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(SetupRouter(ctx, cfg, hub, store))
	t.Cleanup(srv.Close)
	return &testRelay{
		srv:   srv,
		hub:   hub,
		store: store,
		ws:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws",
	}
}

// inbox collects events of interest from one transport.
type inbox map[string]chan json.RawMessage

func listen(t core.Transport, events ...string) inbox {
	in := make(inbox)
	for _, ev := range events {
		ch := make(chan json.RawMessage, 16)
		in[ev] = ch
		t.On(ev, func(data json.RawMessage) { ch <- data })
	}
	return in
}

func (in inbox) next(t *testing.T, event string, v any) {
	t.Helper()
	select {
	case data := <-in[event]:
		if v != nil {
			if err := json.Unmarshal(data, v); err != nil {
				t.Fatalf("%s: %v", event, err)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", event)
	}
}

func dial(t *testing.T, url, token string) core.Transport {
	t.Helper()
	tr, err := wsclient.Dialer{Token: token}.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = tr.Disconnect() })
	return tr
}

func TestRelayEndToEnd(t *testing.T) {
	r := newTestRelay(t, "")
	a := dial(t, r.ws, "")
	b := dial(t, r.ws, "")
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("ids %q %q", a.ID(), b.ID())
	}
	ain := listen(a, protocol.EventRoster, protocol.EventPeerJoined, protocol.EventPeerLeft, protocol.EventSignal, protocol.EventPong)
	bin := listen(b, protocol.EventRoster, protocol.EventMessage, protocol.EventError, protocol.EventRoomUsers)

	_ = a.Emit(protocol.EventJoin, protocol.RoomRef{Room: "r"})
	ain.next(t, protocol.EventRoster, nil)
	_ = b.Emit(protocol.EventJoin, protocol.RoomRef{Room: "r"})

	var joined protocol.PeerRef
	ain.next(t, protocol.EventPeerJoined, &joined)
	if joined.PeerID != b.ID() {
		t.Fatalf("peer-joined %q, want %q", joined.PeerID, b.ID())
	}
	var roster protocol.Roster
	bin.next(t, protocol.EventRoster, &roster)
	if len(roster.Peers) != 2 {
		t.Fatalf("roster = %+v", roster)
	}

	_ = b.Emit(protocol.EventSignal, protocol.Signal{Type: protocol.SignalRequestUserInfo, To: a.ID()})
	var sig protocol.Signal
	ain.next(t, protocol.EventSignal, &sig)
	if sig.From != b.ID() || sig.Type != protocol.SignalRequestUserInfo {
		t.Fatalf("signal = %+v", sig)
	}

	_ = a.Emit(protocol.EventPing, protocol.Ping{})
	ain.next(t, protocol.EventPong, nil)

	_ = b.Emit(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: "r", Username: "Bruno"})
	bin.next(t, protocol.EventRoomUsers, nil)
	for i := 0; i < 3; i++ {
		_ = b.Emit(protocol.EventSendMessage, protocol.SendMessage{RoomID: "r", User: "Bruno", Text: "oi"})
	}
	bin.next(t, protocol.EventMessage, nil)
	bin.next(t, protocol.EventMessage, nil)
	var perr protocol.ErrorPayload
	bin.next(t, protocol.EventError, &perr)
	if perr.Code != "rate_limited" {
		t.Fatalf("error code = %q", perr.Code)
	}

	resp, err := http.Get(r.srv.URL + "/api/rooms")
	if err != nil {
		t.Fatal(err)
	}
	var rooms []relay.RoomInfo
	_ = json.NewDecoder(resp.Body).Decode(&rooms)
	resp.Body.Close()
	if len(rooms) != 1 || rooms[0].Members != 2 {
		t.Fatalf("rooms = %+v", rooms)
	}

	_ = b.Disconnect()
	var left protocol.PeerRef
	ain.next(t, protocol.EventPeerLeft, &left)
	if left.PeerID != b.ID() {
		t.Fatalf("peer-left %q", left.PeerID)
	}
}

func TestMeetingsAPI(t *testing.T) {
	r := newTestRelay(t, secret)
	token, err := identity.Issue(domain.Identity{Subject: "u1", DisplayName: "Ana"}, secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	post := func() *http.Response {
		body, _ := json.Marshal(domain.Meeting{Room: "standup", HostName: "Ana"})
		req, _ := http.NewRequest(http.MethodPost, r.srv.URL+"/api/meetings", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}
	resp := post()
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create = %d", resp.StatusCode)
	}
	resp = post()
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second create = %d", resp.StatusCode)
	}

	a := dial(t, r.ws, token)
	ain := listen(a, protocol.EventRoster)
	_ = a.Emit(protocol.EventJoin, protocol.RoomRef{Room: "standup"})
	ain.next(t, protocol.EventRoster, nil)

	// presence is written after the roster goes out
	var got meetingResponse
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = http.Get(r.srv.URL + "/api/meetings/standup")
		if err != nil {
			t.Fatal(err)
		}
		got = meetingResponse{}
		_ = json.NewDecoder(resp.Body).Decode(&got)
		resp.Body.Close()
		if len(got.Peers) > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got.HostSub != "u1" || got.HostName != "Ana" {
		t.Fatalf("meeting = %+v", got)
	}
	if len(got.Peers) != 1 || got.Peers[0] != a.ID() {
		t.Fatalf("peers = %v", got.Peers)
	}

	resp, _ = http.Get(r.srv.URL + "/api/meetings/nope")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing meeting = %d", resp.StatusCode)
	}
}

func TestWebsocketRequiresToken(t *testing.T) {
	r := newTestRelay(t, secret)
	_, err := wsclient.Dialer{}.Dial(context.Background(), r.ws)
	var terr *core.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	_, err = wsclient.Dialer{Token: "garbage"}.Dial(context.Background(), r.ws)
	if err == nil {
		t.Fatal("bad token accepted")
	}

	resp, err := http.Get(r.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
}
