package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const (
	ContentTypeOgg = "audio/ogg"
	ContentTypeRaw = "application/octet-stream"
)

var errUnsupportedCodec = errors.New("unsupported codec")

// encoder builds one segment container.
type encoder interface {
	write(s media.Sample) error
	finish() ([]byte, error)
	contentType() string
	samples() int
}

type encoderFactory func(codec webrtc.RTPCodecCapability) (encoder, error)

// encoderChain is tried in order until one accepts the codec.
var encoderChain = []encoderFactory{newOggEncoder, newRawEncoder}

func newEncoder(codec webrtc.RTPCodecCapability) (encoder, error) {
	var errs []error
	for _, f := range encoderChain {
		enc, err := f(codec)
		if err == nil {
			return enc, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

type oggEncoder struct {
	buf       *bytes.Buffer
	w         *oggwriter.OggWriter
	clockRate uint32
	seq       uint16
	ts        uint32
	n         int
}

func newOggEncoder(codec webrtc.RTPCodecCapability) (encoder, error) {
	if !strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus) {
		return nil, fmt.Errorf("ogg: %w %s", errUnsupportedCodec, codec.MimeType)
	}
	channels := codec.Channels
	if channels == 0 {
		channels = 2
	}
	clock := codec.ClockRate
	if clock == 0 {
		clock = 48000
	}
	buf := &bytes.Buffer{}
	w, err := oggwriter.NewWith(buf, clock, channels)
	if err != nil {
		return nil, fmt.Errorf("ogg: %w", err)
	}
	return &oggEncoder{buf: buf, w: w, clockRate: clock}, nil
}

func (e *oggEncoder) write(s media.Sample) error {
	e.seq++
	e.ts += uint32(s.Duration.Seconds() * float64(e.clockRate))
	e.n++
	return e.w.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: e.seq,
			Timestamp:      e.ts,
		},
		Payload: s.Data,
	})
}

func (e *oggEncoder) finish() ([]byte, error) {
	if err := e.w.Close(); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (e *oggEncoder) contentType() string { return ContentTypeOgg }
func (e *oggEncoder) samples() int        { return e.n }

// rawEncoder stores each sample as a big-endian uint32 length, a uint32
// duration in microseconds and the payload.
type rawEncoder struct {
	buf bytes.Buffer
	n   int
}

func newRawEncoder(webrtc.RTPCodecCapability) (encoder, error) {
	return &rawEncoder{}, nil
}

func (e *rawEncoder) write(s media.Sample) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(s.Data)))
	binary.BigEndian.PutUint32(hdr[4:], uint32(s.Duration/time.Microsecond))
	e.buf.Write(hdr[:])
	e.buf.Write(s.Data)
	e.n++
	return nil
}

func (e *rawEncoder) finish() ([]byte, error) { return e.buf.Bytes(), nil }
func (e *rawEncoder) contentType() string     { return ContentTypeRaw }
func (e *rawEncoder) samples() int            { return e.n }
