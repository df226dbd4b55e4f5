package media

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// LocalMediaState holds at most one audio and one video track.
// Toggles flip the enabled flag; tracks are stopped only by Stop.
type LocalMediaState struct {
	mu      sync.Mutex
	audio   *Track
	video   *Track
	senders core.SenderSet

	stopOnce sync.Once
}

// Acquire asks for every requested kind at once and, if that fails, for each
// kind on its own. When nothing could be opened the returned state is empty
// but usable and the error is a *core.DeviceError.
func Acquire(ctx context.Context, dev Device, c Constraints) (*LocalMediaState, error) {
	s := &LocalMediaState{}
	if !c.Audio && !c.Video {
		return s, nil
	}

	tracks, err := dev.Capture(ctx, c)
	if err == nil {
		s.adopt(tracks)
		return s, nil
	}
	log.Warn().Err(err).Str("module", "media").Strs("kinds", c.kinds()).Msg("combined capture failed, retrying per kind")

	var errs []error
	errs = append(errs, err)
	if c.Audio && c.Video {
		for _, single := range []Constraints{{Audio: true}, {Video: true}} {
			got, err := dev.Capture(ctx, single)
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Strs("kinds", single.kinds()).Msg("capture failed")
				errs = append(errs, err)
				continue
			}
			s.adopt(got)
		}
	}

	if s.audio == nil && s.video == nil {
		return s, &core.DeviceError{Kinds: c.kinds(), Err: errors.Join(errs...)}
	}
	log.Info().Str("module", "media").Bool("audio", s.audio != nil).Bool("video", s.video != nil).Msg("partial capture")
	return s, nil
}

func (s *LocalMediaState) adopt(tracks []*Track) {
	for _, t := range tracks {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			if s.audio == nil {
				s.audio = t
				continue
			}
		case webrtc.RTPCodecTypeVideo:
			if s.video == nil {
				s.video = t
				continue
			}
		}
		t.Stop()
	}
}

// BindSenders sets where toggles fan out to.
func (s *LocalMediaState) BindSenders(set core.SenderSet) {
	s.mu.Lock()
	s.senders = set
	s.mu.Unlock()
}

func (s *LocalMediaState) Audio() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio
}

func (s *LocalMediaState) Video() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.video
}

// Tracks returns the live tracks to attach to a new peer connection.
func (s *LocalMediaState) Tracks() []core.LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.LocalTrack
	for _, t := range []*Track{s.audio, s.video} {
		if t != nil && !t.Stopped() {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalMediaState) AudioEnabled() bool {
	t := s.Audio()
	return t != nil && t.Enabled()
}

func (s *LocalMediaState) VideoEnabled() bool {
	t := s.Video()
	return t != nil && t.Enabled()
}

// SetAudioEnabled reports false when there is no audio track.
func (s *LocalMediaState) SetAudioEnabled(on bool) bool {
	return s.setEnabled(webrtc.RTPCodecTypeAudio, on)
}

// SetVideoEnabled reports false when there is no video track.
func (s *LocalMediaState) SetVideoEnabled(on bool) bool {
	return s.setEnabled(webrtc.RTPCodecTypeVideo, on)
}

func (s *LocalMediaState) setEnabled(kind webrtc.RTPCodecType, on bool) bool {
	s.mu.Lock()
	t := s.audio
	if kind == webrtc.RTPCodecTypeVideo {
		t = s.video
	}
	set := s.senders
	s.mu.Unlock()

	if t == nil || t.Stopped() {
		return false
	}
	t.SetEnabled(on)
	if set == nil {
		return true
	}
	for _, snd := range set.Senders(kind) {
		if err := snd.SetEnabled(on); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("kind", kind.String()).Msg("sender toggle failed")
		}
	}
	return true
}

// Stop stops every track once.
func (s *LocalMediaState) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, t := range []*Track{s.audio, s.video} {
			if t != nil {
				t.Stop()
			}
		}
	})
}
