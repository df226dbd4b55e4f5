package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// Member is one relay connection as rooms see it.
type Member interface {
	ID() domain.PeerID
	// TrySend queues a frame without blocking.
	TrySend(frame []byte) error
	Close()
}

type PublishResult struct {
	SentTo  int
	Dropped []Member
}

// Room is a threadsafe in-memory member set.
// It never closes member connections itself.
type Room struct {
	token   domain.RoomToken
	mu      sync.RWMutex
	members map[domain.PeerID]Member
}

func NewRoom(token domain.RoomToken) *Room {
	return &Room{token: token, members: make(map[domain.PeerID]Member)}
}

func (r *Room) Token() domain.RoomToken { return r.token }

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Add reports false when the member is already present.
func (r *Room) Add(m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[m.ID()]; ok {
		return false
	}
	r.members[m.ID()] = m
	log.Info().Str("module", "relay.room").Str("room", string(r.token)).Str("peer", string(m.ID())).Msg("member added")
	return true
}

func (r *Room) Remove(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	log.Info().Str("module", "relay.room").Str("room", string(r.token)).Str("peer", string(id)).Msg("member removed")
	return true
}

func (r *Room) Has(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// Members returns member ids in sorted order.
func (r *Room) Members() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Broadcast sends frame to every member except from. Pass an empty from to
// reach everyone.
func (r *Room) Broadcast(from domain.PeerID, frame []byte) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, m := range r.members {
		if id == from {
			continue
		}
		if err := m.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "relay.room").Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Send delivers frame to one member. ok is false when to is not a member.
func (r *Room) Send(to domain.PeerID, frame []byte) (res PublishResult, ok bool) {
	r.mu.RLock()
	m, ok := r.members[to]
	r.mu.RUnlock()
	if !ok {
		return res, false
	}
	if err := m.TrySend(frame); err != nil {
		res.Dropped = append(res.Dropped, m)
		return res, true
	}
	res.SentTo = 1
	return res, true
}
