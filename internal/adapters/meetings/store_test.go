package meetings

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test:", time.Hour), mr
}

func TestCreateIsOnce(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, domain.Meeting{Room: "r1", HostName: "Ana"})
	if err != nil || !created {
		t.Fatalf("first create: %v %v", created, err)
	}
	created, err = s.Create(ctx, domain.Meeting{Room: "r1", HostName: "Bo"})
	if err != nil || created {
		t.Fatalf("second create: %v %v", created, err)
	}
	m, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if m.HostName != "Ana" || m.CreatedAt.IsZero() {
		t.Fatalf("unexpected meeting %+v", m)
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestMeetingExpires(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, domain.Meeting{Room: "r1"}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestPeers(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	for _, p := range []domain.PeerID{"a", "b", "a"} {
		if err := s.AddPeer(ctx, "r1", p); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RemovePeer(ctx, "r1", "b"); err != nil {
		t.Fatal(err)
	}
	peers, err := s.Peers(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	if len(peers) != 1 || peers[0] != "a" {
		t.Fatalf("peers = %v", peers)
	}
	if !mr.Exists("test:meeting:r1:peers") {
		t.Fatal("expected prefixed key")
	}
}
