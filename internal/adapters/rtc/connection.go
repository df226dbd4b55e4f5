// Package rtc adapts pion peer connections to core.MediaConnection.
package rtc

import (
	"errors"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("peer connection closed")

// WebRTCConnection wraps one pion PeerConnection.
type WebRTCConnection struct {
	pc   *webrtc.PeerConnection
	peer domain.PeerID

	mu            sync.RWMutex
	onICE         func(webrtc.ICECandidateInit)
	onTrack       func(*webrtc.TrackRemote)
	onStateChange func(webrtc.PeerConnectionState)

	closeOnce sync.Once
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)

func newConnection(pc *webrtc.PeerConnection, peer domain.PeerID) *WebRTCConnection {
	c := &WebRTCConnection{pc: pc, peer: peer}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", string(peer)).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onStateChange
		c.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(track)
		}
	})
	return c
}

func offerAnswerOptions(p core.Profile) webrtc.OfferAnswerOptions {
	return webrtc.OfferAnswerOptions{VoiceActivityDetection: p == core.ProfileFull}
}

func (c *WebRTCConnection) CreateOffer(p core.Profile) (webrtc.SessionDescription, error) {
	if p == core.ProfileReduced {
		return c.pc.CreateOffer(nil)
	}
	return c.pc.CreateOffer(&webrtc.OfferOptions{OfferAnswerOptions: offerAnswerOptions(p)})
}

func (c *WebRTCConnection) CreateAnswer(p core.Profile) (webrtc.SessionDescription, error) {
	if p == core.ProfileReduced {
		return c.pc.CreateAnswer(nil)
	}
	return c.pc.CreateAnswer(&webrtc.AnswerOptions{OfferAnswerOptions: offerAnswerOptions(p)})
}

func (c *WebRTCConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *WebRTCConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *WebRTCConnection) Rollback() error {
	d := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if pending := c.pc.PendingLocalDescription(); pending != nil {
		d.SDP = pending.SDP
	}
	return c.pc.SetLocalDescription(d)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track and drains RTCP for its sender.
func (c *WebRTCConnection) AddTrack(t core.LocalTrack) (core.Sender, error) {
	sender, err := c.pc.AddTrack(t.TrackLocal())
	if err != nil {
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return &rtpSender{kind: t.Kind(), enabled: t.Enabled()}, nil
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onStateChange = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
		if err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("close error")
			return
		}
		log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Msg("closed")
	})
	return err
}

// rtpSender keeps its track attached for the life of the connection. A
// sender without a track when the transport starts never starts at all, so
// muting is carried by the shared local track, which drops samples while
// disabled, and the sender only records the flag.
type rtpSender struct {
	kind webrtc.RTPCodecType

	mu      sync.Mutex
	enabled bool
}

func (s *rtpSender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *rtpSender) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *rtpSender) SetEnabled(on bool) error {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
	return nil
}
