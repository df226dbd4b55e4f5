// Package transcribe ships recorded segments to the transcription service.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/dkeye/voicemesh/internal/app/recorder"
	"github.com/rs/zerolog/log"
)

// Uploader posts segments as multipart forms.
type Uploader struct {
	URL  string
	HTTP *http.Client
}

var _ recorder.Uploader = (*Uploader)(nil)

func NewUploader(url string) *Uploader {
	return &Uploader{URL: url, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (u *Uploader) Upload(ctx context.Context, seg recorder.Segment) error {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fields := map[string]string{
		"id":          seg.ID,
		"room":        string(seg.Room),
		"participant": seg.Participant,
		"seq":         strconv.Itoa(seg.Seq),
		"started_at":  seg.StartedAt.UTC().Format(time.RFC3339Nano),
		"ended_at":    seg.EndedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName(seg)))
	h.Set("Content-Type", seg.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(seg.Data); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := u.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("upload segment %d: %w", seg.Seq, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload segment %d: status %d: %s", seg.Seq, resp.StatusCode, bytes.TrimSpace(msg))
	}
	log.Debug().Str("module", "transcribe").Int("seq", seg.Seq).Int("status", resp.StatusCode).Msg("segment accepted")
	return nil
}

func fileName(seg recorder.Segment) string {
	ext := "bin"
	if seg.ContentType == recorder.ContentTypeOgg {
		ext = "ogg"
	}
	return fmt.Sprintf("%s-%04d.%s", seg.Room, seg.Seq, ext)
}
