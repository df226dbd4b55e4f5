package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var ErrNothingRequested = errors.New("no media kind requested")

// Constraints names the media kinds to capture.
type Constraints struct {
	Audio bool
	Video bool
}

func (c Constraints) kinds() []string {
	var out []string
	if c.Audio {
		out = append(out, "audio")
	}
	if c.Video {
		out = append(out, "video")
	}
	return out
}

// Device opens capture tracks for the requested kinds in one request.
type Device interface {
	Capture(ctx context.Context, c Constraints) ([]*Track, error)
}

var (
	OpusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

// opus TOC for a 20ms silence frame
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// vp8 keyframe header of a 16x16 frame followed by an empty partition
var vp8Blank = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00}

// SyntheticDevice produces silence and blank frames.
// It stands in for capture hardware on headless hosts.
type SyntheticDevice struct{}

func (SyntheticDevice) Capture(ctx context.Context, c Constraints) ([]*Track, error) {
	if !c.Audio && !c.Video {
		return nil, ErrNothingRequested
	}
	stream := "mesh-" + uuid.NewString()
	var out []*Track
	if c.Audio {
		t, err := NewTrack(OpusCapability, "audio-"+uuid.NewString(), stream)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		out = append(out, t)
		go pump(t, opusSilence, audioFrame)
	}
	if c.Video {
		t, err := NewTrack(VP8Capability, "video-"+uuid.NewString(), stream)
		if err != nil {
			for _, o := range out {
				o.Stop()
			}
			return nil, fmt.Errorf("video track: %w", err)
		}
		out = append(out, t)
		go pump(t, vp8Blank, videoFrame)
	}
	return out, nil
}

func pump(t *Track, frame []byte, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: frame, Duration: every}); errors.Is(err, ErrTrackStopped) {
				return
			}
		}
	}
}
