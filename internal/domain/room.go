package domain

import (
	"errors"
	"strings"
	"time"
)

const MaxRoomTokenLen = 64

var ErrRoomTokenInvalid = errors.New("room token invalid")

// RoomToken is the opaque identifier of a meeting room.
type RoomToken string

func ParseRoomToken(raw string) (RoomToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > MaxRoomTokenLen {
		return "", ErrRoomTokenInvalid
	}
	return RoomToken(raw), nil
}

// Meeting is the registry record of a room.
type Meeting struct {
	Room      RoomToken `json:"room"`
	HostSub   string    `json:"hostSub,omitempty"`
	HostName  string    `json:"hostName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
