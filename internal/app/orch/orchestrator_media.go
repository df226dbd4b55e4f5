package orch

import (
	"encoding/json"

	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (s *Session) handleSignal(payload json.RawMessage) {
	var sig protocol.Signal
	if err := protocol.Decode(payload, &sig); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("dropping malformed signal")
		return
	}
	self := s.negotiator.Local()
	if sig.From == "" || sig.From == self {
		return
	}
	if sig.Directed() && sig.To != self {
		return
	}

	switch sig.Type {
	case protocol.SignalOffer:
		s.negotiator.ReceiveOffer(sig.From, *sig.SDP)
	case protocol.SignalAnswer:
		s.negotiator.ReceiveAnswer(sig.From, *sig.SDP)
	case protocol.SignalCandidate:
		s.negotiator.ReceiveCandidate(sig.From, *sig.Candidate)
	case protocol.SignalUserInfo:
		s.roster.ApplyUserInfo(sig.From, sig.DisplayName, *sig.IsMicOn, sig.IsCameraOn)
		s.rosterChangedLocked()
	case protocol.SignalRequestUserInfo:
		s.sendSignal(protocol.UserInfoSignal(sig.From, s.displayName, s.local.AudioEnabled(), s.local.VideoEnabled()))
	case protocol.SignalMicToggled:
		s.roster.SetMic(sig.From, *sig.IsMicOn)
		s.rosterChangedLocked()
	case protocol.SignalCameraToggled:
		s.roster.SetCamera(sig.From, *sig.IsCameraOn)
		s.rosterChangedLocked()
	}
}

// SetMicEnabled flips the local audio track, tells every peer and pauses or
// resumes the recorder. No renegotiation happens.
func (s *Session) SetMicEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotActive
	}
	if !s.local.SetAudioEnabled(on) {
		return ErrNoTrack
	}
	s.sendSignal(protocol.Signal{Type: protocol.SignalMicToggled, IsMicOn: protocol.Bool(on)})
	if s.rec != nil {
		s.rec.SetMicEnabled(on)
	}
	log.Info().Str("module", "orch").Bool("mic", on).Msg("mic toggled")
	return nil
}

// SetCameraEnabled flips the local video track and tells every peer.
func (s *Session) SetCameraEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotActive
	}
	if !s.local.SetVideoEnabled(on) {
		return ErrNoTrack
	}
	s.sendSignal(protocol.Signal{Type: protocol.SignalCameraToggled, IsCameraOn: protocol.Bool(on)})
	log.Info().Str("module", "orch").Bool("camera", on).Msg("camera toggled")
	return nil
}
