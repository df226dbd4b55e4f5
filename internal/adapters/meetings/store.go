// Package meetings keeps the meeting registry: which rooms exist and who is
// connected to them.
package meetings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("meeting not found")

// Store abstracts the registry so callers can swap storage backends.
type Store interface {
	Create(ctx context.Context, m domain.Meeting) (created bool, err error)
	Get(ctx context.Context, room domain.RoomToken) (domain.Meeting, error)
	AddPeer(ctx context.Context, room domain.RoomToken, peer domain.PeerID) error
	RemovePeer(ctx context.Context, room domain.RoomToken, peer domain.PeerID) error
	Peers(ctx context.Context, room domain.RoomToken) ([]domain.PeerID, error)
}

// RedisStore keeps one JSON record and one peer set per meeting.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a Store backed by Redis. Prefix is optional (e.g., "voicemesh").
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "voicemesh"
	}
	return &RedisStore{rdb: rdb, prefix: p, ttl: ttl}
}

func (s *RedisStore) keyMeeting(room domain.RoomToken) string {
	return fmt.Sprintf("%s:meeting:%s", s.prefix, room)
}

func (s *RedisStore) keyPeers(room domain.RoomToken) string {
	return fmt.Sprintf("%s:meeting:%s:peers", s.prefix, room)
}

// Create stores m unless a meeting with the same room exists.
func (s *RedisStore) Create(ctx context.Context, m domain.Meeting) (bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, s.keyMeeting(m.Room), data, s.ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, room domain.RoomToken) (domain.Meeting, error) {
	data, err := s.rdb.Get(ctx, s.keyMeeting(room)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Meeting{}, ErrNotFound
	}
	if err != nil {
		return domain.Meeting{}, err
	}
	var m domain.Meeting
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Meeting{}, fmt.Errorf("decode meeting %s: %w", room, err)
	}
	return m, nil
}

func (s *RedisStore) AddPeer(ctx context.Context, room domain.RoomToken, peer domain.PeerID) error {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SAdd(ctx, s.keyPeers(room), string(peer))
	if s.ttl > 0 {
		_ = pipe.Expire(ctx, s.keyPeers(room), s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RemovePeer(ctx context.Context, room domain.RoomToken, peer domain.PeerID) error {
	return s.rdb.SRem(ctx, s.keyPeers(room), string(peer)).Err()
}

func (s *RedisStore) Peers(ctx context.Context, room domain.RoomToken) ([]domain.PeerID, error) {
	vals, err := s.rdb.SMembers(ctx, s.keyPeers(room)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.PeerID, 0, len(vals))
	for _, v := range vals {
		out = append(out, domain.PeerID(v))
	}
	return out, nil
}
