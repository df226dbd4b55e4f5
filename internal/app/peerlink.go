package app

import (
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type LinkState int

const (
	LinkNew LinkState = iota
	LinkHaveLocalOffer
	LinkHaveRemoteOffer
	LinkStable
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkNew:
		return "new"
	case LinkHaveLocalOffer:
		return "have-local-offer"
	case LinkHaveRemoteOffer:
		return "have-remote-offer"
	case LinkStable:
		return "stable"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// CandidateRecord is a remote candidate waiting for the remote description.
type CandidateRecord struct {
	From      domain.PeerID
	To        domain.PeerID
	Candidate webrtc.ICECandidateInit
}

// PeerLink is the local end of one mesh edge.
type PeerLink struct {
	Peer      domain.PeerID
	CreatedAt time.Time

	conn    core.MediaConnection
	profile core.Profile

	mu        sync.Mutex
	state     LinkState
	remoteSet bool
	senders   map[webrtc.RTPCodecType]core.Sender
	pending   []CandidateRecord
	stall     *time.Timer
}

func newPeerLink(peer domain.PeerID, conn core.MediaConnection, p core.Profile) *PeerLink {
	return &PeerLink{
		Peer:      peer,
		CreatedAt: time.Now(),
		conn:      conn,
		profile:   p,
		state:     LinkNew,
		senders:   make(map[webrtc.RTPCodecType]core.Sender),
	}
}

func (l *PeerLink) Conn() core.MediaConnection { return l.conn }
func (l *PeerLink) Profile() core.Profile      { return l.profile }

func (l *PeerLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *PeerLink) setState(s LinkState) {
	l.mu.Lock()
	prev := l.state
	if prev == LinkClosed {
		l.mu.Unlock()
		return
	}
	l.state = s
	if s == LinkStable || s == LinkFailed || s == LinkClosed {
		l.stopStallLocked()
	}
	l.mu.Unlock()
	if prev != s {
		log.Debug().Str("module", "app.peerlink").Str("peer", string(l.Peer)).Str("from", prev.String()).Str("to", s.String()).Msg("state")
	}
}

// Usable reports whether the link can still carry negotiation.
func (l *PeerLink) Usable() bool {
	s := l.State()
	return s != LinkFailed && s != LinkClosed
}

func (l *PeerLink) RemoteDescriptionSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSet
}

func (l *PeerLink) markRemoteSet() {
	l.mu.Lock()
	l.remoteSet = true
	l.mu.Unlock()
}

// Pending returns a copy of the buffered candidates.
func (l *PeerLink) Pending() []CandidateRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CandidateRecord(nil), l.pending...)
}

func (l *PeerLink) enqueue(rec CandidateRecord) {
	l.mu.Lock()
	l.pending = append(l.pending, rec)
	l.mu.Unlock()
}

func (l *PeerLink) drain() []CandidateRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out
}

// attach adds a local track once per kind. A second track of the same kind is ignored.
func (l *PeerLink) attach(t core.LocalTrack) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.senders[t.Kind()]; ok {
		return false, nil
	}
	s, err := l.conn.AddTrack(t)
	if err != nil {
		return false, err
	}
	l.senders[t.Kind()] = s
	return true, nil
}

func (l *PeerLink) Sender(kind webrtc.RTPCodecType) (core.Sender, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.senders[kind]
	return s, ok
}

func (l *PeerLink) armStall(d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopStallLocked()
	l.stall = time.AfterFunc(d, fn)
}

func (l *PeerLink) stopStallLocked() {
	if l.stall != nil {
		l.stall.Stop()
		l.stall = nil
	}
}

// close releases the connection and discards buffered state.
func (l *PeerLink) close() {
	l.mu.Lock()
	if l.state == LinkClosed {
		l.mu.Unlock()
		return
	}
	l.state = LinkClosed
	l.pending = nil
	l.stopStallLocked()
	l.mu.Unlock()
	if err := l.conn.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.peerlink").Str("peer", string(l.Peer)).Msg("close")
	}
}
