package app

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrChatUnbound = errors.New("chat transport not bound")

// Chat keeps the room's text log in relay arrival order.
// Duplicate deliveries are kept as they arrive.
type Chat struct {
	mu        sync.RWMutex
	transport core.Transport
	room      domain.RoomToken
	author    string
	log       []domain.ChatMessage
	users     []string
	onMessage func(domain.ChatMessage)
}

func NewChat() *Chat { return &Chat{} }

// Bind attaches the chat transport and identity used by Send.
func (c *Chat) Bind(t core.Transport, room domain.RoomToken, author string) {
	c.mu.Lock()
	c.transport = t
	c.room = room
	c.author = author
	c.mu.Unlock()
}

func (c *Chat) Unbind() {
	c.mu.Lock()
	c.transport = nil
	c.mu.Unlock()
}

// OnMessage registers a callback for every appended message.
func (c *Chat) OnMessage(fn func(domain.ChatMessage)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// JoinRoom announces the local user to the chat room.
func (c *Chat) JoinRoom() error {
	c.mu.RLock()
	t, room, author := c.transport, c.room, c.author
	c.mu.RUnlock()
	if t == nil {
		return ErrChatUnbound
	}
	return t.Emit(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: room, Username: author})
}

// Send emits a message. Blank text is a no-op.
func (c *Chat) Send(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	c.mu.RLock()
	t, room, author := c.transport, c.room, c.author
	c.mu.RUnlock()
	if t == nil {
		return ErrChatUnbound
	}
	return t.Emit(protocol.EventSendMessage, protocol.SendMessage{RoomID: room, User: author, Text: text})
}

// Receive appends an inbound message.
func (c *Chat) Receive(m protocol.Message) domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:         uuid.NewString(),
		Room:       m.RoomID,
		Author:     m.User,
		Text:       m.Text,
		ReceivedAt: time.Now(),
	}
	c.mu.Lock()
	c.log = append(c.log, msg)
	fn := c.onMessage
	c.mu.Unlock()
	log.Debug().Str("module", "app.chat").Str("room", string(m.RoomID)).Str("user", m.User).Msg("message")
	if fn != nil {
		fn(msg)
	}
	return msg
}

func (c *Chat) SetUsers(users []string) {
	c.mu.Lock()
	c.users = append([]string(nil), users...)
	c.mu.Unlock()
}

func (c *Chat) Users() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.users...)
}

func (c *Chat) Messages() []domain.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.ChatMessage(nil), c.log...)
}
