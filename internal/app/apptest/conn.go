// Package apptest provides in-memory peers and an in-memory relay for tests.
package apptest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrInvalidState        = errors.New("invalid signaling state")
	ErrInjected            = errors.New("injected failure")
)

// Conn is a MediaConnection that follows the offer/answer state rules
// without any network.
type Conn struct {
	Local   domain.PeerID
	Remote  domain.PeerID
	Profile core.Profile

	mu         sync.Mutex
	state      webrtc.SignalingState
	remoteSet  bool
	offers     int
	closed     bool
	failOffer  int
	failAnswer int
	applied    []webrtc.ICECandidateInit
	senders    []*Sender
	onICE      func(webrtc.ICECandidateInit)
	onTrack    func(*webrtc.TrackRemote)
	onState    func(webrtc.PeerConnectionState)
}

var _ core.MediaConnection = (*Conn)(nil)

func NewConn(local, remote domain.PeerID, p core.Profile) *Conn {
	return &Conn{Local: local, Remote: remote, Profile: p, state: webrtc.SignalingStateStable}
}

// FailOffers makes the next n CreateOffer calls fail.
func (c *Conn) FailOffers(n int) {
	c.mu.Lock()
	c.failOffer = n
	c.mu.Unlock()
}

// FailAnswers makes the next n CreateAnswer calls fail.
func (c *Conn) FailAnswers(n int) {
	c.mu.Lock()
	c.failAnswer = n
	c.mu.Unlock()
}

func (c *Conn) CreateOffer(core.Profile) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, ErrInvalidState
	}
	if c.failOffer > 0 {
		c.failOffer--
		return webrtc.SessionDescription{}, ErrInjected
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer %s->%s #%d", c.Local, c.Remote, c.offers)}, nil
}

func (c *Conn) CreateAnswer(core.Profile) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAnswer > 0 {
		c.failAnswer--
		return webrtc.SessionDescription{}, ErrInjected
	}
	if c.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, ErrInvalidState
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer %s->%s", c.Local, c.Remote)}, nil
}

func (c *Conn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && (c.state == webrtc.SignalingStateStable || c.state == webrtc.SignalingStateHaveLocalOffer):
		c.state = webrtc.SignalingStateHaveLocalOffer
	case d.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveRemoteOffer:
		c.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set local %s in %s", ErrInvalidState, d.Type, c.state)
	}
	return nil
}

func (c *Conn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case d.Type == webrtc.SDPTypeOffer && (c.state == webrtc.SignalingStateStable || c.state == webrtc.SignalingStateHaveRemoteOffer):
		c.state = webrtc.SignalingStateHaveRemoteOffer
	case d.Type == webrtc.SDPTypeAnswer && c.state == webrtc.SignalingStateHaveLocalOffer:
		c.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("%w: set remote %s in %s", ErrInvalidState, d.Type, c.state)
	}
	c.remoteSet = true
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("%w: rollback in %s", ErrInvalidState, c.state)
	}
	c.state = webrtc.SignalingStateStable
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return ErrNoRemoteDescription
	}
	c.applied = append(c.applied, ci)
	return nil
}

func (c *Conn) AddTrack(t core.LocalTrack) (core.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Sender{kind: t.Kind(), enabled: t.Enabled()}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// GatherCandidate simulates a locally gathered candidate.
func (c *Conn) GatherCandidate(candidate string) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: candidate})
	}
}

// SetConnectionState simulates a transport state change.
func (c *Conn) SetConnectionState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.applied...)
}

func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type Sender struct {
	mu      sync.Mutex
	kind    webrtc.RTPCodecType
	enabled bool
}

func (s *Sender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Sender) SetEnabled(on bool) error {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
	return nil
}

func (s *Sender) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Factory hands out Conns and remembers them per peer.
type Factory struct {
	Local domain.PeerID

	mu        sync.Mutex
	conns     map[domain.PeerID][]*Conn
	failBuild map[core.Profile]int
	onBuild   func(*Conn)
}

var _ core.ConnectionFactory = (*Factory)(nil)

func NewFactory(local domain.PeerID) *Factory {
	return &Factory{
		Local:     local,
		conns:     make(map[domain.PeerID][]*Conn),
		failBuild: make(map[core.Profile]int),
	}
}

// FailBuilds makes the next n builds with profile p fail.
func (f *Factory) FailBuilds(p core.Profile, n int) {
	f.mu.Lock()
	f.failBuild[p] = n
	f.mu.Unlock()
}

// OnBuild runs fn on every new Conn before it is returned.
func (f *Factory) OnBuild(fn func(*Conn)) {
	f.mu.Lock()
	f.onBuild = fn
	f.mu.Unlock()
}

func (f *Factory) NewConnection(peer domain.PeerID, p core.Profile) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBuild[p] > 0 {
		f.failBuild[p]--
		return nil, ErrInjected
	}
	c := NewConn(f.Local, peer, p)
	if f.onBuild != nil {
		f.onBuild(c)
	}
	f.conns[peer] = append(f.conns[peer], c)
	return c, nil
}

// Conns lists every Conn built for peer, oldest first.
func (f *Factory) Conns(peer domain.PeerID) []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns[peer]...)
}

// Last returns the newest Conn for peer.
func (f *Factory) Last(peer domain.PeerID) *Conn {
	cs := f.Conns(peer)
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}
