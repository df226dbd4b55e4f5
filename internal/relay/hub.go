// Package relay is the signaling relay: it assigns connection ids, keeps
// room and chat membership and routes events between members.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownConn = errors.New("unknown connection")
	ErrNotInRoom   = errors.New("not in room")
	ErrUnknownPeer = errors.New("unknown peer")
)

const presenceTimeout = 2 * time.Second

// Presence mirrors room membership into an external store.
type Presence interface {
	AddPeer(ctx context.Context, room domain.RoomToken, peer domain.PeerID) error
	RemovePeer(ctx context.Context, room domain.RoomToken, peer domain.PeerID) error
}

type entry struct {
	member   Member
	room     domain.RoomToken
	chatRoom domain.RoomToken
	username string
}

type presenceOp struct {
	add  bool
	room domain.RoomToken
	peer domain.PeerID
}

// Hub owns every relay connection. Membership changes are serialized by mu;
// sends never block because members queue frames.
type Hub struct {
	policy   Policy
	presence Presence
	log      zerolog.Logger

	mu      sync.Mutex
	conns   map[domain.PeerID]*entry
	rooms   *Rooms
	chats   *Rooms
	kicks   []Member
	presOps []presenceOp
}

// NewHub builds a hub. presence may be nil.
func NewHub(policy Policy, presence Presence) *Hub {
	if policy == nil {
		policy = SimplePolicy{}
	}
	return &Hub{
		policy:   policy,
		presence: presence,
		log:      log.With().Str("module", "relay.hub").Logger(),
		conns:    make(map[domain.PeerID]*entry),
		rooms:    NewRooms(),
		chats:    NewRooms(),
	}
}

func (h *Hub) lock() { h.mu.Lock() }

// unlock handles kicks queued during the critical section, releases the
// lock and then syncs presence.
func (h *Hub) unlock() {
	for len(h.kicks) > 0 {
		m := h.kicks[0]
		h.kicks = h.kicks[1:]
		if _, ok := h.conns[m.ID()]; !ok {
			continue
		}
		h.log.Warn().Str("peer", string(m.ID())).Msg("kicking slow member")
		h.detachLocked(m.ID())
		m.Close()
	}
	ops := h.presOps
	h.presOps = nil
	h.mu.Unlock()
	h.syncPresence(ops)
}

func (h *Hub) syncPresence(ops []presenceOp) {
	if h.presence == nil || len(ops) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	for _, op := range ops {
		var err error
		if op.add {
			err = h.presence.AddPeer(ctx, op.room, op.peer)
		} else {
			err = h.presence.RemovePeer(ctx, op.room, op.peer)
		}
		if err != nil {
			h.log.Warn().Err(err).Str("room", string(op.room)).Str("peer", string(op.peer)).Bool("add", op.add).Msg("presence sync failed")
		}
	}
}

func (h *Hub) frame(event string, payload any) []byte {
	b, err := protocol.Encode(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode")
		return nil
	}
	return b
}

func (h *Hub) handleResultLocked(room domain.RoomToken, res PublishResult) {
	for _, m := range res.Dropped {
		switch h.policy.OnBackPressure(room, m) {
		case KickMember:
			h.kicks = append(h.kicks, m)
		case DropFrame:
			h.log.Debug().Str("peer", string(m.ID())).Msg("frame dropped")
		}
	}
}

func (h *Hub) broadcastLocked(r *Room, from domain.PeerID, event string, payload any) {
	if b := h.frame(event, payload); b != nil {
		h.handleResultLocked(r.Token(), r.Broadcast(from, b))
	}
}

// Attach registers a new connection and greets it with its id.
func (h *Hub) Attach(m Member) {
	h.lock()
	defer h.unlock()
	h.conns[m.ID()] = &entry{member: m}
	if err := m.TrySend(h.frame(protocol.EventWelcome, protocol.Welcome{PeerID: m.ID()})); err != nil {
		h.kicks = append(h.kicks, m)
	}
	h.log.Info().Str("peer", string(m.ID())).Int("conns", len(h.conns)).Msg("attached")
}

// Detach forgets a closed connection. Unknown ids are a no-op.
func (h *Hub) Detach(id domain.PeerID) {
	h.lock()
	defer h.unlock()
	h.detachLocked(id)
}

func (h *Hub) detachLocked(id domain.PeerID) {
	if _, ok := h.conns[id]; !ok {
		return
	}
	h.leaveLocked(id)
	h.leaveChatLocked(id)
	delete(h.conns, id)
	h.log.Info().Str("peer", string(id)).Int("conns", len(h.conns)).Msg("detached")
}

// Send delivers one event to one connection.
func (h *Hub) Send(id domain.PeerID, event string, payload any) error {
	h.lock()
	defer h.unlock()
	e, ok := h.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	if err := e.member.TrySend(h.frame(event, payload)); err != nil {
		h.handleResultLocked(e.room, PublishResult{Dropped: []Member{e.member}})
		return err
	}
	return nil
}

// Join moves the connection into room, announcing it to existing members.
func (h *Hub) Join(id domain.PeerID, room domain.RoomToken) error {
	h.lock()
	defer h.unlock()
	e, ok := h.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	if e.room == room {
		return nil
	}
	if e.room != "" {
		h.leaveLocked(id)
	}
	r := h.rooms.GetOrCreate(room)
	h.broadcastLocked(r, id, protocol.EventPeerJoined, protocol.PeerRef{PeerID: id})
	r.Add(e.member)
	e.room = room
	h.broadcastLocked(r, "", protocol.EventRoster, protocol.Roster{Room: room, Peers: r.Members()})
	h.presOps = append(h.presOps, presenceOp{add: true, room: room, peer: id})
	h.log.Info().Str("peer", string(id)).Str("room", string(room)).Int("members", r.MemberCount()).Msg("join")
	return nil
}

// Leave takes the connection out of its signaling and chat rooms. The
// connection stays open.
func (h *Hub) Leave(id domain.PeerID) error {
	h.lock()
	defer h.unlock()
	if _, ok := h.conns[id]; !ok {
		return ErrUnknownConn
	}
	h.leaveLocked(id)
	h.leaveChatLocked(id)
	return nil
}

func (h *Hub) leaveLocked(id domain.PeerID) {
	e := h.conns[id]
	if e == nil || e.room == "" {
		return
	}
	room := e.room
	e.room = ""
	r, ok := h.rooms.Get(room)
	if !ok {
		return
	}
	r.Remove(id)
	h.broadcastLocked(r, id, protocol.EventPeerLeft, protocol.PeerRef{PeerID: id})
	h.broadcastLocked(r, "", protocol.EventRoster, protocol.Roster{Room: room, Peers: r.Members()})
	h.rooms.DropIfEmpty(room)
	h.presOps = append(h.presOps, presenceOp{room: room, peer: id})
	h.log.Info().Str("peer", string(id)).Str("room", string(room)).Msg("leave")
}

// Signal routes a signal from a room member. An empty To reaches the whole
// room; otherwise only the addressed member.
func (h *Hub) Signal(from domain.PeerID, sig protocol.Signal) error {
	h.lock()
	defer h.unlock()
	e, ok := h.conns[from]
	if !ok {
		return ErrUnknownConn
	}
	r, ok := h.rooms.Get(e.room)
	if e.room == "" || !ok {
		return ErrNotInRoom
	}
	sig.From = from
	b := h.frame(protocol.EventSignal, sig)
	if b == nil {
		return nil
	}
	if !sig.Directed() {
		h.handleResultLocked(e.room, r.Broadcast(from, b))
		return nil
	}
	res, ok := r.Send(sig.To, b)
	if !ok {
		return ErrUnknownPeer
	}
	h.handleResultLocked(e.room, res)
	return nil
}

// JoinChat adds the connection to a chat room under username.
func (h *Hub) JoinChat(id domain.PeerID, p protocol.JoinRoom) error {
	h.lock()
	defer h.unlock()
	e, ok := h.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	if e.chatRoom != "" && e.chatRoom != p.RoomID {
		h.leaveChatLocked(id)
	}
	e.username = p.Username
	e.chatRoom = p.RoomID
	r := h.chats.GetOrCreate(p.RoomID)
	r.Add(e.member)
	h.roomUsersLocked(r)
	return nil
}

func (h *Hub) leaveChatLocked(id domain.PeerID) {
	e := h.conns[id]
	if e == nil || e.chatRoom == "" {
		return
	}
	room := e.chatRoom
	e.chatRoom = ""
	r, ok := h.chats.Get(room)
	if !ok {
		return
	}
	r.Remove(id)
	h.roomUsersLocked(r)
	h.chats.DropIfEmpty(room)
}

func (h *Hub) roomUsersLocked(r *Room) {
	ids := r.Members()
	users := make([]string, 0, len(ids))
	for _, id := range ids {
		if e, ok := h.conns[id]; ok {
			users = append(users, e.username)
		}
	}
	h.broadcastLocked(r, "", protocol.EventRoomUsers, protocol.RoomUsers{RoomID: r.Token(), Users: users})
}

// SendMessage relays chat text to every member of the room, sender included.
func (h *Hub) SendMessage(id domain.PeerID, p protocol.SendMessage) error {
	h.lock()
	defer h.unlock()
	e, ok := h.conns[id]
	if !ok {
		return ErrUnknownConn
	}
	r, ok := h.chats.Get(p.RoomID)
	if e.chatRoom != p.RoomID || !ok {
		return ErrNotInRoom
	}
	user := p.User
	if user == "" {
		user = e.username
	}
	h.broadcastLocked(r, "", protocol.EventMessage, protocol.Message{
		RoomID: p.RoomID,
		User:   user,
		Text:   p.Text,
		SentAt: time.Now().UnixMilli(),
	})
	return nil
}

// Rooms lists signaling rooms with their member counts.
func (h *Hub) Rooms() []RoomInfo { return h.rooms.List() }

// Members lists the signaling members of room.
func (h *Hub) Members(room domain.RoomToken) []domain.PeerID {
	r, ok := h.rooms.Get(room)
	if !ok {
		return nil
	}
	return r.Members()
}

func (h *Hub) Conns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
