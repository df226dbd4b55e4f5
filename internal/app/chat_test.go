package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dkeye/voicemesh/internal/app/apptest"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
)

func TestChatSendBlankIsNoop(t *testing.T) {
	c := NewChat()
	if err := c.Send("   "); err != nil {
		t.Fatalf("blank send on unbound chat: %v", err)
	}
	if err := c.Send("hi"); !errors.Is(err, ErrChatUnbound) {
		t.Fatalf("err = %v, want ErrChatUnbound", err)
	}

	hub := apptest.NewHub()
	tr, err := hub.Dialer("a").Dial(context.Background(), "ws://relay/chat")
	if err != nil {
		t.Fatal(err)
	}
	c.Bind(tr, "room", "Ana")
	if err := c.Send(""); err != nil {
		t.Fatal(err)
	}
	if got := len(hub.Records(protocol.EventSendMessage)); got != 0 {
		t.Fatalf("blank text emitted %d messages", got)
	}
}

func TestChatRoundTripKeepsOrderAndDuplicates(t *testing.T) {
	hub := apptest.NewHub()
	tr, _ := hub.Dialer("a").Dial(context.Background(), "ws://relay/chat")
	c := NewChat()
	c.Bind(tr, "room", "Ana")

	var seen []domain.ChatMessage
	c.OnMessage(func(m domain.ChatMessage) { seen = append(seen, m) })
	tr.On(protocol.EventMessage, func(data json.RawMessage) {
		var m protocol.Message
		if err := protocol.Decode(data, &m); err == nil {
			c.Receive(m)
		}
	})
	tr.On(protocol.EventRoomUsers, func(data json.RawMessage) {
		var ru protocol.RoomUsers
		if err := protocol.Decode(data, &ru); err == nil {
			c.SetUsers(ru.Users)
		}
	})

	if err := c.JoinRoom(); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two", "two"} {
		if err := c.Send(text); err != nil {
			t.Fatal(err)
		}
	}
	hub.Drain()

	msgs := c.Messages()
	if len(msgs) != 3 || len(seen) != 3 {
		t.Fatalf("messages = %d, callbacks = %d", len(msgs), len(seen))
	}
	for i, want := range []string{"one", "two", "two"} {
		if msgs[i].Text != want || msgs[i].Author != "Ana" || msgs[i].Room != "room" {
			t.Fatalf("msgs[%d] = %+v", i, msgs[i])
		}
	}
	if msgs[1].ID == msgs[2].ID {
		t.Fatal("duplicates must get distinct ids")
	}
	if users := c.Users(); len(users) != 1 || users[0] != "Ana" {
		t.Fatalf("users = %v", users)
	}

	c.Unbind()
	if err := c.Send("late"); !errors.Is(err, ErrChatUnbound) {
		t.Fatalf("err = %v", err)
	}
}
