package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Profile selects the option set used to build and negotiate a connection.
// ProfileReduced is the single retry after a failure.
type Profile int

const (
	ProfileFull Profile = iota
	ProfileReduced
)

func (p Profile) String() string {
	if p == ProfileReduced {
		return "reduced"
	}
	return "full"
}

// LocalTrack is a captured local audio or video source.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(bool)
	Stop()
	Stopped() bool
	// TrackLocal is what gets attached to a peer connection.
	TrackLocal() webrtc.TrackLocal
}

// Sender is the outbound half of one attached local track.
type Sender interface {
	Kind() webrtc.RTPCodecType
	SetEnabled(bool) error
}

// SenderSet exposes every sender of every live peer connection.
type SenderSet interface {
	Senders(kind webrtc.RTPCodecType) []Sender
}

// MediaConnection is one direct peer-to-peer connection.
type MediaConnection interface {
	CreateOffer(p Profile) (webrtc.SessionDescription, error)
	CreateAnswer(p Profile) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards a pending local offer.
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(t LocalTrack) (Sender, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a new remote track arrives.
	OnTrack(func(*webrtc.TrackRemote))
	OnStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// ConnectionFactory builds media connections for a peer.
type ConnectionFactory interface {
	NewConnection(peer domain.PeerID, p Profile) (MediaConnection, error)
}
