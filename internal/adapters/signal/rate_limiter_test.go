package signal

import (
	"testing"
	"time"
)

func TestRoomRateLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRoomRateLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two messages should pass")
	}
	if rl.Allow("a") {
		t.Fatal("third message inside the window should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("limits are per connection")
	}

	now = now.Add(1500 * time.Millisecond)
	if !rl.Allow("a") {
		t.Fatal("window should have slid")
	}
}

func TestRoomRateLimiterForget(t *testing.T) {
	rl := NewRoomRateLimiter(1, time.Hour)
	rl.Allow("a")
	if rl.Allow("a") {
		t.Fatal("limit not applied")
	}
	rl.Forget("a")
	if !rl.Allow("a") {
		t.Fatal("forgotten connection should start fresh")
	}
}
