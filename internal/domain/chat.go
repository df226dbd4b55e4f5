package domain

import "time"

type ChatMessage struct {
	ID         string    `json:"id"`
	Room       RoomToken `json:"roomId"`
	Author     string    `json:"user"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"receivedAt"`
}
