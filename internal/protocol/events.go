// Package protocol defines the relay event vocabulary and its payloads.
// Every event has exactly one payload type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/voicemesh/internal/domain"
)

const (
	EventWelcome    = "welcome"
	EventJoin       = "join"
	EventLeave      = "leave"
	EventPeerJoined = "peer-joined"
	EventPeerLeft   = "peer-left"
	EventRoster     = "roster"
	EventSignal     = "signal"
	EventPing       = "ping"
	EventPong       = "pong"
	EventError      = "error"

	EventJoinRoom    = "joinRoom"
	EventRoomUsers   = "roomUsers"
	EventSendMessage = "sendMessage"
	EventMessage     = "message"
)

var (
	ErrBadEnvelope = errors.New("bad envelope")
	ErrBadPayload  = errors.New("bad payload")
)

// Envelope is the frame exchanged over the relay socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = b
	}
	return json.Marshal(env)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Event == "" {
		return env, fmt.Errorf("%w: missing event", ErrBadEnvelope)
	}
	return env, nil
}

// Validator is implemented by payloads with invariants beyond their JSON shape.
type Validator interface {
	Validate() error
}

// Decode unmarshals a payload and validates it.
func Decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrBadPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if val, ok := v.(Validator); ok {
		if err := val.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}
	return nil
}

type Welcome struct {
	PeerID domain.PeerID `json:"peerId"`
}

func (w Welcome) Validate() error {
	if w.PeerID == "" {
		return errors.New("peerId required")
	}
	return nil
}

type RoomRef struct {
	Room domain.RoomToken `json:"room"`
}

func (r RoomRef) Validate() error {
	if r.Room == "" {
		return errors.New("room required")
	}
	return nil
}

type PeerRef struct {
	PeerID domain.PeerID `json:"peerId"`
}

func (p PeerRef) Validate() error {
	if p.PeerID == "" {
		return errors.New("peerId required")
	}
	return nil
}

type Roster struct {
	Room  domain.RoomToken `json:"room"`
	Peers []domain.PeerID  `json:"peers"`
}

type Ping struct{}

type ErrorPayload struct {
	Code string `json:"code"`
}

type JoinRoom struct {
	RoomID   domain.RoomToken `json:"roomId"`
	Username string           `json:"username"`
}

func (j JoinRoom) Validate() error {
	if j.RoomID == "" {
		return errors.New("roomId required")
	}
	return nil
}

type RoomUsers struct {
	RoomID domain.RoomToken `json:"roomId"`
	Users  []string         `json:"users"`
}

type SendMessage struct {
	RoomID domain.RoomToken `json:"roomId"`
	User   string           `json:"user"`
	Text   string           `json:"text"`
}

func (s SendMessage) Validate() error {
	if s.RoomID == "" {
		return errors.New("roomId required")
	}
	if strings.TrimSpace(s.Text) == "" {
		return errors.New("text required")
	}
	return nil
}

type Message struct {
	RoomID domain.RoomToken `json:"roomId"`
	User   string           `json:"user"`
	Text   string           `json:"text"`
	SentAt int64            `json:"sentAt,omitempty"`
}
