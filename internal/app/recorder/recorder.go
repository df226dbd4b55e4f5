// Package recorder captures rolling audio segments while the microphone is on
// and hands them to an uploader.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultSegment = 10 * time.Second

// Segment is one finished recording.
type Segment struct {
	ID          string
	Room        domain.RoomToken
	Participant string
	Seq         int
	ContentType string
	Data        []byte
	StartedAt   time.Time
	EndedAt     time.Time
}

type Uploader interface {
	Upload(ctx context.Context, seg Segment) error
}

// Source is an audio track the recorder can listen to.
type Source interface {
	Codec() webrtc.RTPCodecCapability
	Tap(fn func(media.Sample)) (remove func())
}

type Config struct {
	Segment     time.Duration
	Room        domain.RoomToken
	Participant string
	Uploader    Uploader
}

// Session records while the microphone is on. Stop is final.
type Session struct {
	cfg Config
	src Source
	log zerolog.Logger

	mu        sync.Mutex
	enc       encoder
	started   time.Time
	seq       int
	micOn     bool
	stopped   bool
	untap     func()
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	uploads   sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config, src Source) *Session {
	if cfg.Segment <= 0 {
		cfg.Segment = DefaultSegment
	}
	return &Session{
		cfg:      cfg,
		src:      src,
		log:      log.With().Str("module", "app.recorder").Str("room", string(cfg.Room)).Logger(),
		loopDone: make(chan struct{}),
	}
}

// Start begins the segment clock. micOn is the current microphone state.
func (s *Session) Start(ctx context.Context, micOn bool) {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.untap = s.src.Tap(s.onSample)
		s.micOn = micOn
		if micOn {
			s.beginLocked()
		}
		s.mu.Unlock()
		go s.loop()
		s.log.Info().Dur("segment", s.cfg.Segment).Bool("mic", micOn).Msg("recorder started")
	})
}

func (s *Session) loop() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.Segment)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Rotate()
		}
	}
}

// Rotate closes the current segment and opens the next one if the mic is on.
func (s *Session) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.finishLocked()
	if s.micOn {
		s.beginLocked()
	}
}

// SetMicEnabled stops the current segment cleanly on mute and starts a new
// one on unmute.
func (s *Session) SetMicEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.micOn == on {
		s.micOn = on
		return
	}
	s.micOn = on
	if on {
		s.beginLocked()
		return
	}
	s.finishLocked()
}

// Stop cancels the recorder and waits for its clock to exit. The open
// segment is discarded and no upload starts afterwards.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.enc = nil
		untap, cancel := s.untap, s.cancel
		s.mu.Unlock()
		if untap != nil {
			untap()
		}
		if cancel == nil {
			return
		}
		cancel()
		<-s.loopDone
		s.log.Info().Int("segments", s.seq).Msg("recorder stopped")
	})
}

// Wait blocks until every started upload returned.
func (s *Session) Wait() { s.uploads.Wait() }

func (s *Session) onSample(sample media.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil || s.stopped {
		return
	}
	if err := s.enc.write(sample); err != nil {
		s.log.Warn().Err(err).Msg("segment write failed")
	}
}

func (s *Session) beginLocked() {
	enc, err := newEncoder(s.src.Codec())
	if err != nil {
		s.log.Error().Err(err).Msg("no segment encoder")
		return
	}
	s.enc = enc
	s.started = time.Now()
}

func (s *Session) finishLocked() {
	enc := s.enc
	s.enc = nil
	if enc == nil || enc.samples() == 0 {
		return
	}
	data, err := enc.finish()
	if err != nil {
		s.log.Warn().Err(err).Msg("segment finish failed")
		return
	}
	s.seq++
	seg := Segment{
		ID:          uuid.NewString(),
		Room:        s.cfg.Room,
		Participant: s.cfg.Participant,
		Seq:         s.seq,
		ContentType: enc.contentType(),
		Data:        data,
		StartedAt:   s.started,
		EndedAt:     time.Now(),
	}
	if s.cfg.Uploader == nil {
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		if err := s.cfg.Uploader.Upload(ctx, seg); err != nil {
			s.log.Warn().Err(err).Int("seq", seg.Seq).Msg("segment upload failed")
			return
		}
		s.log.Debug().Int("seq", seg.Seq).Int("bytes", len(seg.Data)).Msg("segment uploaded")
	}()
}
