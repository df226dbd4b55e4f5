package relay

import (
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
)

type RoomInfo struct {
	Room    domain.RoomToken `json:"room"`
	Members int              `json:"members"`
}

// Rooms creates rooms on first use and forgets them once empty.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[domain.RoomToken]*Room
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[domain.RoomToken]*Room)}
}

func (f *Rooms) GetOrCreate(token domain.RoomToken) *Room {
	f.mu.RLock()
	room, ok := f.rooms[token]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[token]; ok {
		return room
	}
	room = NewRoom(token)
	f.rooms[token] = room
	return room
}

func (f *Rooms) Get(token domain.RoomToken) (*Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[token]
	return room, ok
}

func (f *Rooms) List() []RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]RoomInfo, 0, len(f.rooms))
	for token, r := range f.rooms {
		out = append(out, RoomInfo{Room: token, Members: r.MemberCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// DropIfEmpty removes the room when nobody is left in it.
func (f *Rooms) DropIfEmpty(token domain.RoomToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.rooms[token]; ok && r.MemberCount() == 0 {
		delete(f.rooms, token)
	}
}
