package recorder

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

type fakeSource struct {
	codec webrtc.RTPCodecCapability

	mu   sync.Mutex
	taps map[int]func(media.Sample)
	next int
}

func newFakeSource(mime string) *fakeSource {
	return &fakeSource{
		codec: webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 48000, Channels: 2},
		taps:  make(map[int]func(media.Sample)),
	}
}

func (f *fakeSource) Codec() webrtc.RTPCodecCapability { return f.codec }

func (f *fakeSource) Tap(fn func(media.Sample)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.taps[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.taps, id)
		f.mu.Unlock()
	}
}

func (f *fakeSource) emit(n int) {
	f.mu.Lock()
	taps := make([]func(media.Sample), 0, len(f.taps))
	for _, fn := range f.taps {
		taps = append(taps, fn)
	}
	f.mu.Unlock()
	for i := 0; i < n; i++ {
		for _, fn := range taps {
			fn(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
		}
	}
}

type fakeUploader struct {
	mu   sync.Mutex
	segs []Segment
}

func (u *fakeUploader) Upload(_ context.Context, seg Segment) error {
	u.mu.Lock()
	u.segs = append(u.segs, seg)
	u.mu.Unlock()
	return nil
}

func (u *fakeUploader) segments() []Segment {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Segment(nil), u.segs...)
}

func newSession(src Source, up Uploader) *Session {
	// long segment so the clock never fires during a test
	return New(Config{Segment: time.Hour, Room: "room-1", Participant: "ana", Uploader: up}, src)
}

func TestRotateUploadsOggSegment(t *testing.T) {
	src := newFakeSource(webrtc.MimeTypeOpus)
	up := &fakeUploader{}
	s := newSession(src, up)
	s.Start(context.Background(), true)
	defer s.Stop()

	src.emit(10)
	s.Rotate()
	s.Wait()

	segs := up.segments()
	if len(segs) != 1 {
		t.Fatalf("segments = %d, want 1", len(segs))
	}
	seg := segs[0]
	if seg.ContentType != ContentTypeOgg || !bytes.HasPrefix(seg.Data, []byte("OggS")) {
		t.Fatalf("unexpected segment %s %q", seg.ContentType, seg.Data[:4])
	}
	if seg.Seq != 1 || seg.Room != "room-1" || seg.Participant != "ana" {
		t.Fatalf("unexpected metadata %+v", seg)
	}
}

func TestEmptySegmentsAreSkipped(t *testing.T) {
	src := newFakeSource(webrtc.MimeTypeOpus)
	up := &fakeUploader{}
	s := newSession(src, up)
	s.Start(context.Background(), true)
	defer s.Stop()

	s.Rotate()
	s.Wait()
	if n := len(up.segments()); n != 0 {
		t.Fatalf("segments = %d, want 0", n)
	}
}

func TestMicToggleStopsAndRestartsCapture(t *testing.T) {
	src := newFakeSource(webrtc.MimeTypeOpus)
	up := &fakeUploader{}
	s := newSession(src, up)
	s.Start(context.Background(), true)
	defer s.Stop()

	src.emit(5)
	s.SetMicEnabled(false)
	s.Wait()
	if n := len(up.segments()); n != 1 {
		t.Fatalf("mute should finish the segment, got %d", n)
	}

	src.emit(5)
	s.Rotate()
	s.Wait()
	if n := len(up.segments()); n != 1 {
		t.Fatalf("samples while muted were recorded, got %d segments", n)
	}

	s.SetMicEnabled(true)
	src.emit(3)
	s.Rotate()
	s.Wait()
	segs := up.segments()
	if len(segs) != 2 || segs[1].Seq != 2 {
		t.Fatalf("expected a second segment, got %+v", segs)
	}
}

func TestStopDiscardsOpenSegment(t *testing.T) {
	src := newFakeSource(webrtc.MimeTypeOpus)
	up := &fakeUploader{}
	s := newSession(src, up)
	s.Start(context.Background(), true)

	src.emit(5)
	s.Stop()
	s.Stop()
	s.Rotate()
	s.SetMicEnabled(false)
	s.Wait()
	if n := len(up.segments()); n != 0 {
		t.Fatalf("upload after stop: %d", n)
	}
	src.mu.Lock()
	taps := len(src.taps)
	src.mu.Unlock()
	if taps != 0 {
		t.Fatal("tap not removed on stop")
	}
}

func TestNonOpusFallsBackToRaw(t *testing.T) {
	src := newFakeSource(webrtc.MimeTypePCMU)
	up := &fakeUploader{}
	s := newSession(src, up)
	s.Start(context.Background(), true)
	defer s.Stop()

	src.emit(2)
	s.Rotate()
	s.Wait()
	segs := up.segments()
	if len(segs) != 1 || segs[0].ContentType != ContentTypeRaw {
		t.Fatalf("expected raw fallback, got %+v", segs)
	}
	// two samples of 3 bytes, each with an 8 byte header
	if len(segs[0].Data) != 22 {
		t.Fatalf("raw size = %d", len(segs[0].Data))
	}
}

func TestClockRotates(t *testing.T) {
	src := newFakeSource(webrtc.MimeTypeOpus)
	up := &fakeUploader{}
	s := New(Config{Segment: 20 * time.Millisecond, Uploader: up}, src)
	s.Start(context.Background(), true)

	deadline := time.Now().Add(2 * time.Second)
	for len(up.segments()) == 0 && time.Now().Before(deadline) {
		src.emit(1)
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Wait()
	if len(up.segments()) == 0 {
		t.Fatal("clock never produced a segment")
	}
}
