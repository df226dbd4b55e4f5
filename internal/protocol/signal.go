package protocol

import (
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalOffer           SignalType = "offer"
	SignalAnswer          SignalType = "answer"
	SignalCandidate       SignalType = "candidate"
	SignalUserInfo        SignalType = "user-info"
	SignalRequestUserInfo SignalType = "request-user-info"
	SignalMicToggled      SignalType = "mic-toggled"
	SignalCameraToggled   SignalType = "camera-toggled"
)

// Signal is the payload of the "signal" event. An empty To is a room broadcast.
type Signal struct {
	Type        SignalType                 `json:"type"`
	To          domain.PeerID              `json:"to,omitempty"`
	From        domain.PeerID              `json:"from,omitempty"`
	SDP         *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate   *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	DisplayName string                     `json:"displayName,omitempty"`
	IsMicOn     *bool                      `json:"isMicOn,omitempty"`
	IsCameraOn  *bool                      `json:"isCameraOn,omitempty"`
}

func (s Signal) Validate() error {
	switch s.Type {
	case SignalOffer:
		if s.SDP == nil || s.SDP.Type != webrtc.SDPTypeOffer {
			return errors.New("offer requires sdp of type offer")
		}
	case SignalAnswer:
		if s.SDP == nil || s.SDP.Type != webrtc.SDPTypeAnswer {
			return errors.New("answer requires sdp of type answer")
		}
	case SignalCandidate:
		if s.Candidate == nil {
			return errors.New("candidate required")
		}
	case SignalUserInfo:
		if s.IsMicOn == nil {
			return errors.New("user-info requires isMicOn")
		}
	case SignalMicToggled:
		if s.IsMicOn == nil {
			return errors.New("mic-toggled requires isMicOn")
		}
	case SignalCameraToggled:
		if s.IsCameraOn == nil {
			return errors.New("camera-toggled requires isCameraOn")
		}
	case SignalRequestUserInfo:
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	return nil
}

// Directed reports whether the signal addresses a single peer.
func (s Signal) Directed() bool { return s.To != "" }

func Bool(b bool) *bool { return &b }

func OfferSignal(to domain.PeerID, sdp webrtc.SessionDescription) Signal {
	return Signal{Type: SignalOffer, To: to, SDP: &sdp}
}

func AnswerSignal(to domain.PeerID, sdp webrtc.SessionDescription) Signal {
	return Signal{Type: SignalAnswer, To: to, SDP: &sdp}
}

func CandidateSignal(to domain.PeerID, c webrtc.ICECandidateInit) Signal {
	return Signal{Type: SignalCandidate, To: to, Candidate: &c}
}

// UserInfoSignal carries local metadata; to may be empty for a broadcast.
func UserInfoSignal(to domain.PeerID, name string, mic, cam bool) Signal {
	return Signal{
		Type:        SignalUserInfo,
		To:          to,
		DisplayName: name,
		IsMicOn:     Bool(mic),
		IsCameraOn:  Bool(cam),
	}
}
