package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrTrackStopped = errors.New("track stopped")

// Track is a local capture track backed by a pion sample track.
// Samples written while disabled are dropped.
type Track struct {
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool

	mu     sync.RWMutex
	taps   map[int]func(media.Sample)
	nextID int

	stopOnce sync.Once
	done     chan struct{}
}

func NewTrack(capability webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		local: local,
		taps:  make(map[int]func(media.Sample)),
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) ID() string                      { return t.local.ID() }
func (t *Track) Kind() webrtc.RTPCodecType       { return t.local.Kind() }
func (t *Track) Codec() webrtc.RTPCodecCapability { return t.local.Codec() }
func (t *Track) TrackLocal() webrtc.TrackLocal   { return t.local }
func (t *Track) Enabled() bool                   { return t.enabled.Load() && !t.stopped.Load() }
func (t *Track) Stopped() bool                   { return t.stopped.Load() }

// Done is closed when the track stops.
func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) SetEnabled(on bool) {
	t.enabled.Store(on)
}

// Stop ends capture for good. Safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		close(t.done)
		log.Info().Str("module", "media.track").Str("track", t.ID()).Str("kind", t.Kind().String()).Msg("stopped")
	})
}

// Tap registers a sink for every sample that is actually sent.
// The returned func removes it.
func (t *Track) Tap(fn func(media.Sample)) (remove func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.taps[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.taps, id)
		t.mu.Unlock()
	}
}

// WriteSample pushes one captured sample to attached peers and taps.
func (t *Track) WriteSample(s media.Sample) error {
	if t.stopped.Load() {
		return ErrTrackStopped
	}
	if !t.enabled.Load() {
		return nil
	}
	t.mu.RLock()
	for _, fn := range t.taps {
		fn(s)
	}
	t.mu.RUnlock()
	return t.local.WriteSample(s)
}
