// Package orch is the session lifecycle controller: it owns one meeting
// session and routes relay events into the mesh components.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/recorder"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/identity"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotIdle   = errors.New("session is not idle")
	ErrNotActive = errors.New("session is not active")
	ErrNoTrack   = errors.New("no local track of that kind")
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

// MeetingRegistry records that a meeting exists. Calls are fire-and-forget.
type MeetingRegistry interface {
	Ensure(ctx context.Context, m domain.Meeting) error
}

type Deps struct {
	Dialer   core.Dialer
	Device   media.Device
	Factory  core.ConnectionFactory
	Identity identity.Provider
	Meetings MeetingRegistry
	Uploader recorder.Uploader
}

type Options struct {
	SignalURL    string
	ChatURL      string
	DisplayName  string
	VoiceOnly    bool
	StallTimeout time.Duration
	Record       bool
	Segment      time.Duration
}

// Hooks must not call back into the Session.
type Hooks struct {
	OnRemoteTrack   func(peer domain.PeerID, track *webrtc.TrackRemote)
	OnPeerFailed    func(peer domain.PeerID, err error)
	OnRosterChanged func(participants []domain.Participant)
	OnMessage       func(msg domain.ChatMessage)
	OnSignalingLost func(err error)
}

// Session is one participant's meeting. Every inbound event runs inside mu,
// one at a time.
type Session struct {
	deps  Deps
	opts  Options
	hooks Hooks

	mu          sync.Mutex
	state       State
	room        domain.RoomToken
	displayName string
	local       *media.LocalMediaState
	subs        []core.Subscription
	registry    *app.Registry
	negotiator  *app.Negotiator
	roster      *app.Roster
	chat        *app.Chat
	rec         *recorder.Session
	signalingUp bool
	bgCancel    context.CancelFunc
	bg          sync.WaitGroup

	// connMu guards the transports so emits never wait on a turn.
	connMu   sync.RWMutex
	signal   core.Transport
	chatConn core.Transport
}

func New(deps Deps, opts Options, hooks Hooks) *Session {
	s := &Session{
		deps:   deps,
		opts:   opts,
		hooks:  hooks,
		roster: app.NewRoster(),
		chat:   app.NewChat(),
	}
	if hooks.OnMessage != nil {
		s.chat.OnMessage(hooks.OnMessage)
	}
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalID is the connection id assigned by the relay, empty unless joined.
func (s *Session) LocalID() domain.PeerID {
	t := s.signalTransport()
	if t == nil {
		return ""
	}
	return t.ID()
}

func (s *Session) signalTransport() core.Transport {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.signal
}

func (s *Session) setTransports(signal, chat core.Transport) {
	s.connMu.Lock()
	s.signal, s.chatConn = signal, chat
	s.connMu.Unlock()
}

func (s *Session) Room() domain.RoomToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

func (s *Session) DisplayName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayName
}

// Participants lists the remote participants. Roster adds the local user.
func (s *Session) Participants() []domain.Participant { return s.roster.Snapshot() }
func (s *Session) Messages() []domain.ChatMessage     { return s.chat.Messages() }
func (s *Session) ChatUsers() []string                { return s.chat.Users() }

// Roster is the full meeting with the local user first, built from session
// state while active.
func (s *Session) Roster() []domain.Participant {
	s.mu.Lock()
	active := s.state == StateActive
	self := domain.Participant{DisplayName: s.displayName}
	if s.local != nil {
		self.IsMicOn = s.local.AudioEnabled()
		self.IsCameraOn = s.local.VideoEnabled()
	}
	s.mu.Unlock()
	others := s.roster.Snapshot()
	if !active {
		return others
	}
	self.ID = s.LocalID()
	return append([]domain.Participant{self}, others...)
}

// Link returns the current link to peer.
func (s *Session) Link(peer domain.PeerID) (*app.PeerLink, bool) {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		return nil, false
	}
	return reg.Get(peer)
}

// Peers lists the peers with a link.
func (s *Session) Peers() []domain.PeerID {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.Peers()
}

// SignalingAvailable is false once the signaling transport dropped.
func (s *Session) SignalingAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signalingUp
}

func (s *Session) MicEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local != nil && s.local.AudioEnabled()
}

func (s *Session) CameraEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local != nil && s.local.VideoEnabled()
}

// turn wraps a handler so it runs serialized and only while active.
func (s *Session) turn(event string, fn func(json.RawMessage)) core.Handler {
	return func(payload json.RawMessage) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != StateActive {
			log.Debug().Str("module", "orch").Str("event", event).Str("state", s.state.String()).Msg("dropping event")
			return
		}
		fn(payload)
	}
}

// post runs fn in a serialized turn.
func (s *Session) post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	fn()
}

func (s *Session) subscribe(t core.Transport, event string, fn func(json.RawMessage)) {
	s.subs = append(s.subs, t.On(event, s.turn(event, fn)))
}

// emitSignal is safe inside and outside a turn.
func (s *Session) emitSignal(sig protocol.Signal) error {
	t := s.signalTransport()
	if t == nil {
		return ErrNotActive
	}
	return t.Emit(protocol.EventSignal, sig)
}

func (s *Session) sendSignal(sig protocol.Signal) {
	if err := s.emitSignal(sig); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("type", string(sig.Type)).Str("to", string(sig.To)).Msg("signal emit failed")
	}
}

func (s *Session) rosterChangedLocked() {
	if s.hooks.OnRosterChanged != nil {
		s.hooks.OnRosterChanged(s.roster.Snapshot())
	}
}
