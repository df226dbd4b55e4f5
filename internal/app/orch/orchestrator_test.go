package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/apptest"
	"github.com/dkeye/voicemesh/internal/app/recorder"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/identity"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	signalURL = "ws://relay/api/ws"
	chatURL   = "ws://relay/api/ws?ns=chat"
	room      = domain.RoomToken("standup")
)

// testDevice hands out tracks without pumping samples.
type testDevice struct {
	mu           sync.Mutex
	failCombined bool
	failAudio    bool
	failVideo    bool
	tracks       []*media.Track
}

func (d *testDevice) Capture(_ context.Context, c media.Constraints) ([]*media.Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if (c.Audio && c.Video && d.failCombined) || (c.Audio && d.failAudio) || (c.Video && d.failVideo) {
		return nil, errors.New("device busy")
	}
	var out []*media.Track
	if c.Audio {
		t, err := media.NewTrack(media.OpusCapability, "audio", "stream")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if c.Video {
		t, err := media.NewTrack(media.VP8Capability, "video", "stream")
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	d.tracks = append(d.tracks, out...)
	return out, nil
}

func (d *testDevice) allStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}

type fakeMeetings struct {
	mu    sync.Mutex
	calls []domain.Meeting
}

func (f *fakeMeetings) Ensure(_ context.Context, m domain.Meeting) error {
	f.mu.Lock()
	f.calls = append(f.calls, m)
	f.mu.Unlock()
	return nil
}

type fakeUploader struct {
	mu   sync.Mutex
	segs []recorder.Segment
}

func (f *fakeUploader) Upload(_ context.Context, seg recorder.Segment) error {
	f.mu.Lock()
	f.segs = append(f.segs, seg)
	f.mu.Unlock()
	return nil
}

type client struct {
	name    string
	s       *Session
	factory *apptest.Factory
	dev     *testDevice
	failed  []domain.PeerID
	lost    []error
}

func newClient(hub *apptest.Hub, name string, opts Options, dev *testDevice) *client {
	if dev == nil {
		dev = &testDevice{}
	}
	opts.SignalURL, opts.ChatURL = signalURL, chatURL
	c := &client{name: name, factory: apptest.NewFactory(domain.PeerID(name)), dev: dev}
	c.s = New(Deps{
		Dialer:  hub.Dialer(name),
		Device:  dev,
		Factory: c.factory,
	}, opts, Hooks{
		OnPeerFailed:    func(p domain.PeerID, _ error) { c.failed = append(c.failed, p) },
		OnSignalingLost: func(err error) { c.lost = append(c.lost, err) },
	})
	return c
}

func joinClient(t *testing.T, hub *apptest.Hub, name, display string) *client {
	t.Helper()
	c := newClient(hub, name, Options{DisplayName: display}, nil)
	if err := c.s.Join(context.Background(), room); err != nil {
		t.Fatalf("%s join: %v", name, err)
	}
	hub.Drain()
	return c
}

func participant(t *testing.T, s *Session, id domain.PeerID) domain.Participant {
	t.Helper()
	for _, p := range s.Participants() {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("%s not in roster %+v", id, s.Participants())
	return domain.Participant{}
}

func requireStable(t *testing.T, s *Session, peer domain.PeerID) {
	t.Helper()
	link, ok := s.Link(peer)
	if !ok {
		t.Fatalf("no link to %s", peer)
	}
	if link.State() != app.LinkStable {
		t.Fatalf("link to %s is %s", peer, link.State())
	}
}

func offersBetween(hub *apptest.Hub, x, y domain.PeerID) int {
	n := 0
	for _, s := range hub.Signals(protocol.SignalOffer) {
		if (s.From == x && s.To == y) || (s.From == y && s.To == x) {
			n++
		}
	}
	return n
}

func TestTwoPeersExchangeMetadata(t *testing.T) {
	hub := apptest.NewHub()
	a := joinClient(t, hub, "a", "Ana")
	b := joinClient(t, hub, "b", "Bruno")

	if a.s.State() != StateActive || b.s.State() != StateActive {
		t.Fatal("sessions not active")
	}
	pb := participant(t, a.s, "b")
	if pb.DisplayName != "Bruno" || !pb.IsMicOn || !pb.IsCameraOn {
		t.Fatalf("a sees b as %+v", pb)
	}
	pa := participant(t, b.s, "a")
	if pa.DisplayName != "Ana" || !pa.IsMicOn {
		t.Fatalf("b sees a as %+v", pa)
	}
	requireStable(t, a.s, "b")
	requireStable(t, b.s, "a")
	if n := offersBetween(hub, "a", "b"); n != 1 {
		t.Fatalf("offers = %d, want 1", n)
	}
	// the greater id offers
	if offers := hub.Signals(protocol.SignalOffer); offers[0].From != "b" {
		t.Fatalf("offer came from %s", offers[0].From)
	}
	if got := len(b.factory.Last("a").Senders()); got != 2 {
		t.Fatalf("b attached %d tracks to a, want 2", got)
	}
	if users := a.s.ChatUsers(); len(users) != 2 {
		t.Fatalf("chat users = %v", users)
	}

	full := a.s.Roster()
	if len(full) != 2 || full[0].ID != a.s.LocalID() || full[1].ID != "b" {
		t.Fatalf("roster = %+v", full)
	}
	if full[0].DisplayName != "Ana" || !full[0].IsMicOn || !full[0].IsCameraOn {
		t.Fatalf("self = %+v", full[0])
	}
	if len(a.s.Participants()) != 1 {
		t.Fatal("participants should list remote peers only")
	}
}

func TestMicToggleUpdatesPeersWithoutRenegotiation(t *testing.T) {
	hub := apptest.NewHub()
	a := joinClient(t, hub, "a", "Ana")
	b := joinClient(t, hub, "b", "Bruno")
	offersBefore := len(hub.Signals(protocol.SignalOffer))

	if err := b.s.SetMicEnabled(false); err != nil {
		t.Fatal(err)
	}
	hub.Drain()

	if participant(t, a.s, "b").IsMicOn {
		t.Fatal("a still sees b unmuted")
	}
	if b.s.MicEnabled() {
		t.Fatal("b mic still enabled")
	}
	for _, snd := range b.factory.Last("a").Senders() {
		if snd.Kind() == webrtc.RTPCodecTypeAudio && snd.Enabled() {
			t.Fatal("audio sender still enabled")
		}
		if snd.Kind() == webrtc.RTPCodecTypeVideo && !snd.Enabled() {
			t.Fatal("video sender should be untouched")
		}
	}
	if len(hub.Signals(protocol.SignalOffer)) != offersBefore {
		t.Fatal("mic toggle renegotiated")
	}

	if err := b.s.SetCameraEnabled(false); err != nil {
		t.Fatal(err)
	}
	if err := b.s.SetMicEnabled(true); err != nil {
		t.Fatal(err)
	}
	hub.Drain()
	pb := participant(t, a.s, "b")
	if !pb.IsMicOn || pb.IsCameraOn {
		t.Fatalf("a sees b as %+v", pb)
	}
}

func TestThreePeersFormFullMesh(t *testing.T) {
	hub := apptest.NewHub()
	a := joinClient(t, hub, "a", "Ana")
	b := joinClient(t, hub, "b", "Bruno")
	c := joinClient(t, hub, "c", "Caio")

	clients := []*client{a, b, c}
	for _, x := range clients {
		if got := len(x.s.Participants()); got != 2 {
			t.Fatalf("%s sees %d participants", x.name, got)
		}
		for _, y := range clients {
			if x == y {
				continue
			}
			requireStable(t, x.s, domain.PeerID(y.name))
			if x.name < y.name {
				if n := offersBetween(hub, domain.PeerID(x.name), domain.PeerID(y.name)); n != 1 {
					t.Fatalf("offers %s-%s = %d", x.name, y.name, n)
				}
			}
		}
	}

	c.s.Leave()
	hub.Drain()
	for _, x := range []*client{a, b} {
		if _, ok := x.s.Link("c"); ok {
			t.Fatalf("%s kept a link to c", x.name)
		}
		if !x.factory.Last("c").Closed() {
			t.Fatalf("%s did not close its connection to c", x.name)
		}
		if got := len(x.s.Participants()); got != 1 {
			t.Fatalf("%s sees %d participants", x.name, got)
		}
	}
	requireStable(t, a.s, "b")
}

func TestLeaveDuringNegotiation(t *testing.T) {
	hub := apptest.NewHub()
	a := joinClient(t, hub, "a", "Ana")
	b := newClient(hub, "b", Options{DisplayName: "Bruno"}, nil)
	if err := b.s.Join(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	for len(hub.Signals(protocol.SignalOffer)) == 0 && hub.Step() {
	}
	if len(hub.Signals(protocol.SignalOffer)) == 0 {
		t.Fatal("b never offered")
	}

	a.s.Leave()
	a.s.Leave()
	hub.Drain()

	if a.s.State() != StateIdle {
		t.Fatalf("a state = %s", a.s.State())
	}
	if len(a.s.Peers()) != 0 || len(a.s.Participants()) != 0 {
		t.Fatal("a kept links or participants")
	}
	for _, conn := range a.factory.Conns("b") {
		if !conn.Closed() {
			t.Fatal("a left a connection open")
		}
	}
	if !a.dev.allStopped() {
		t.Fatal("a's tracks still running")
	}
	if a.s.SignalingAvailable() || a.s.LocalID() != "" {
		t.Fatal("a still has signaling")
	}
	if _, ok := b.s.Link("a"); ok {
		t.Fatal("b kept a link to a")
	}
	if len(hub.Records(protocol.EventLeave)) != 2 {
		t.Fatalf("leave records = %d, want one per transport", len(hub.Records(protocol.EventLeave)))
	}
	if err := a.s.SendChat("hello"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("chat after leave: %v", err)
	}

	// a fresh join after leaving works
	if err := a.s.Join(context.Background(), room); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	hub.Drain()
	requireStable(t, a.s, "b")
}

func TestDuplicatePeerJoinedIgnored(t *testing.T) {
	hub := apptest.NewHub()
	a := joinClient(t, hub, "a", "Ana")
	joinClient(t, hub, "b", "Bruno")

	replies := func() int {
		n := 0
		for _, s := range hub.Signals(protocol.SignalUserInfo) {
			if s.From == "a" && s.To == "b" {
				n++
			}
		}
		return n
	}
	before := replies()
	payload, _ := json.Marshal(protocol.PeerRef{PeerID: "b"})
	a.s.turn(protocol.EventPeerJoined, a.s.handlePeerJoined)(payload)
	hub.Drain()

	if replies() != before {
		t.Fatal("duplicate peer-joined triggered another reply")
	}
	if got := len(a.s.Participants()); got != 1 {
		t.Fatalf("participants = %d", got)
	}
	requireStable(t, a.s, "b")
}

func TestMalformedAndMisaddressedSignalsDropped(t *testing.T) {
	hub := apptest.NewHub()
	a := joinClient(t, hub, "a", "Ana")
	handle := a.s.turn(protocol.EventSignal, a.s.handleSignal)

	handle(json.RawMessage(`{"type":"offer","from":"z"}`))
	handle(json.RawMessage(`{"type":"mic-toggled","from":"z"}`))
	handle(json.RawMessage(`not json`))
	handle(json.RawMessage(`{"type":"offer","from":"z","to":"someone-else","sdp":{"type":"offer","sdp":"v=0"}}`))

	if len(a.s.Peers()) != 0 {
		t.Fatalf("links = %v", a.s.Peers())
	}
	if len(a.s.Participants()) != 0 {
		t.Fatalf("participants = %+v", a.s.Participants())
	}
}

func TestDialFailureAbortsJoin(t *testing.T) {
	hub := apptest.NewHub()
	hub.FailDial(chatURL, errors.New("connection refused"))
	c := newClient(hub, "a", Options{}, nil)

	err := c.s.Join(context.Background(), room)
	var terr *core.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if c.s.State() != StateIdle {
		t.Fatalf("state = %s", c.s.State())
	}
	if !c.dev.allStopped() {
		t.Fatal("media not released")
	}
	hub.Drain()
	if len(hub.Members(room)) != 0 {
		t.Fatal("aborted join left a member")
	}
}

func TestJoinWithoutDevices(t *testing.T) {
	hub := apptest.NewHub()
	dev := &testDevice{failAudio: true, failVideo: true}
	c := newClient(hub, "a", Options{}, dev)
	if err := c.s.Join(context.Background(), room); err != nil {
		t.Fatalf("join without devices: %v", err)
	}
	if c.s.MicEnabled() || c.s.CameraEnabled() {
		t.Fatal("no tracks, nothing enabled")
	}
	if err := c.s.SetMicEnabled(true); !errors.Is(err, ErrNoTrack) {
		t.Fatalf("err = %v", err)
	}
	if c.s.DisplayName() != domain.DefaultDisplayName {
		t.Fatalf("name = %q", c.s.DisplayName())
	}

	b := joinClient(t, hub, "b", "Bruno")
	hub.Drain()
	requireStable(t, b.s, "a")
	if pa := participant(t, b.s, "a"); pa.IsMicOn || pa.IsCameraOn {
		t.Fatalf("b sees a as %+v", pa)
	}
	if conn := c.factory.Last("b"); conn == nil || len(conn.Senders()) != 0 {
		t.Fatalf("device-less link must not attach senders: %+v", conn)
	}

	if err := c.s.SendChat("sem microfone"); err != nil {
		t.Fatal(err)
	}
	hub.Drain()
	msgs := b.s.Messages()
	if len(msgs) != 1 || msgs[0].Text != "sem microfone" || msgs[0].Author != domain.DefaultDisplayName {
		t.Fatalf("b chat = %+v", msgs)
	}
}

func TestPartialDeviceAndVoiceOnly(t *testing.T) {
	hub := apptest.NewHub()
	dev := &testDevice{failCombined: true, failVideo: true}
	c := newClient(hub, "a", Options{}, dev)
	if err := c.s.Join(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	if !c.s.MicEnabled() || c.s.CameraEnabled() {
		t.Fatal("expected audio only")
	}
	c.s.Leave()

	voice := newClient(hub, "v", Options{VoiceOnly: true}, nil)
	if err := voice.s.Join(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	if len(voice.dev.tracks) != 1 || voice.dev.tracks[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("voice-only captured %d tracks", len(voice.dev.tracks))
	}
}

func TestSignalingDropKeepsLinks(t *testing.T) {
	hub := apptest.NewHub()
	a := joinClient(t, hub, "a", "Ana")
	joinClient(t, hub, "b", "Bruno")

	hub.Drop("a")
	if a.s.SignalingAvailable() {
		t.Fatal("signaling still reported available")
	}
	if len(a.lost) != 1 {
		t.Fatalf("lost callbacks = %d", len(a.lost))
	}
	link, ok := a.s.Link("b")
	if !ok || link.State() == app.LinkClosed {
		t.Fatal("signaling drop closed the link")
	}
	if a.s.State() != StateActive {
		t.Fatalf("state = %s", a.s.State())
	}
	a.s.Leave()
	if a.s.State() != StateIdle {
		t.Fatal("leave after drop did not finish")
	}
}

func TestChatThroughSession(t *testing.T) {
	hub := apptest.NewHub()
	var got []domain.ChatMessage
	a := newClient(hub, "a", Options{DisplayName: "Ana"}, nil)
	a.s.chat.OnMessage(func(m domain.ChatMessage) { got = append(got, m) })
	if err := a.s.Join(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	b := joinClient(t, hub, "b", "Bruno")

	if err := b.s.SendChat("  "); err != nil {
		t.Fatal(err)
	}
	if err := b.s.SendChat("oi"); err != nil {
		t.Fatal(err)
	}
	hub.Drain()

	if len(got) != 1 || got[0].Text != "oi" || got[0].Author != "Bruno" {
		t.Fatalf("a got %+v", got)
	}
	if msgs := b.s.Messages(); len(msgs) != 1 {
		t.Fatalf("sender log = %d", len(msgs))
	}
}

func TestIdentityAndMeetingRegistry(t *testing.T) {
	hub := apptest.NewHub()
	meetings := &fakeMeetings{}
	dev := &testDevice{}
	s := New(Deps{
		Dialer:   hub.Dialer("a"),
		Device:   dev,
		Factory:  apptest.NewFactory("a"),
		Identity: identity.Static{Subject: "u1", DisplayName: "Ana Paula"},
		Meetings: meetings,
	}, Options{SignalURL: signalURL, ChatURL: chatURL}, Hooks{})
	if err := s.Join(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if s.DisplayName() != "Ana Paula" {
		t.Fatalf("name = %q", s.DisplayName())
	}
	meetings.mu.Lock()
	defer meetings.mu.Unlock()
	if len(meetings.calls) != 1 || meetings.calls[0].Room != room || meetings.calls[0].HostName != "Ana Paula" {
		t.Fatalf("meeting calls = %+v", meetings.calls)
	}
}

func TestRecorderFollowsMic(t *testing.T) {
	hub := apptest.NewHub()
	up := &fakeUploader{}
	dev := &testDevice{}
	s := New(Deps{
		Dialer:   hub.Dialer("a"),
		Device:   dev,
		Factory:  apptest.NewFactory("a"),
		Uploader: up,
	}, Options{SignalURL: signalURL, ChatURL: chatURL, DisplayName: "Ana", Record: true, Segment: time.Hour}, Hooks{})
	if err := s.Join(context.Background(), room); err != nil {
		t.Fatal(err)
	}
	audio := dev.tracks[0]
	for i := 0; i < 3; i++ {
		if err := audio.WriteSample(pmedia.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetMicEnabled(false); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	up.mu.Lock()
	segs := append([]recorder.Segment(nil), up.segs...)
	up.mu.Unlock()
	if len(segs) != 1 || segs[0].Room != room || segs[0].Participant != "Ana" {
		t.Fatalf("segments = %+v", segs)
	}

	s.Leave()
	if !dev.allStopped() {
		t.Fatal("tracks not stopped")
	}
}
