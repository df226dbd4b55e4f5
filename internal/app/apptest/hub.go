package apptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
)

var ErrHubClosed = errors.New("hub transport closed")

// ChatSuffix is appended to a client name to form its chat connection id.
const ChatSuffix = "-chat"

// Hub is an in-memory relay. Emits are queued and only delivered by Drain,
// which makes multi-client tests deterministic.
type Hub struct {
	mu        sync.Mutex
	conns     map[domain.PeerID]*Transport
	rooms     map[domain.RoomToken][]domain.PeerID
	chatRooms map[domain.RoomToken][]domain.PeerID
	usernames map[domain.PeerID]string
	queue     []delivery
	log       []Record
	failDial  map[string]error
}

type delivery struct {
	to    *Transport
	event string
	data  json.RawMessage
}

// Record is one event a client sent to the hub.
type Record struct {
	From  domain.PeerID
	Event string
	Data  json.RawMessage
}

func NewHub() *Hub {
	return &Hub{
		conns:     make(map[domain.PeerID]*Transport),
		rooms:     make(map[domain.RoomToken][]domain.PeerID),
		chatRooms: make(map[domain.RoomToken][]domain.PeerID),
		usernames: make(map[domain.PeerID]string),
		failDial:  make(map[string]error),
	}
}

// Dialer returns a dialer for one client. URLs containing "chat" get the
// id name+ChatSuffix, everything else gets name.
func (h *Hub) Dialer(name string) core.Dialer {
	return hubDialer{hub: h, name: name}
}

// FailDial makes dials to url fail with err.
func (h *Hub) FailDial(url string, err error) {
	h.mu.Lock()
	h.failDial[url] = err
	h.mu.Unlock()
}

type hubDialer struct {
	hub  *Hub
	name string
}

func (d hubDialer) Dial(_ context.Context, url string) (core.Transport, error) {
	d.hub.mu.Lock()
	defer d.hub.mu.Unlock()
	if err := d.hub.failDial[url]; err != nil {
		return nil, &core.TransportError{URL: url, Op: "dial", Err: err}
	}
	id := domain.PeerID(d.name)
	if strings.Contains(url, "chat") {
		id += ChatSuffix
	}
	if _, ok := d.hub.conns[id]; ok {
		return nil, &core.TransportError{URL: url, Op: "dial", Err: fmt.Errorf("id %s in use", id)}
	}
	t := &Transport{hub: d.hub, id: id, handlers: make(map[string]map[int]core.Handler)}
	d.hub.conns[id] = t
	return t, nil
}

// Drain delivers queued events until the queue is empty and returns how many
// were delivered.
func (h *Hub) Drain() int {
	n := 0
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return n
		}
		d := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		n++
		if n > 100000 {
			panic("apptest: hub did not settle")
		}
		d.to.deliver(d.event, d.data)
	}
}

// Step delivers one queued event and reports whether there was one.
func (h *Hub) Step() bool {
	h.mu.Lock()
	if len(h.queue) == 0 {
		h.mu.Unlock()
		return false
	}
	d := h.queue[0]
	h.queue = h.queue[1:]
	h.mu.Unlock()
	d.to.deliver(d.event, d.data)
	return true
}

// Pending reports how many events are queued.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Records returns every event received from clients, filtered by event name
// when event is not empty.
func (h *Hub) Records(event string) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Record
	for _, r := range h.log {
		if event == "" || r.Event == event {
			out = append(out, r)
		}
	}
	return out
}

// Signals returns every signal of type typ received by the hub.
func (h *Hub) Signals(typ protocol.SignalType) []protocol.Signal {
	var out []protocol.Signal
	for _, r := range h.Records(protocol.EventSignal) {
		var s protocol.Signal
		if err := json.Unmarshal(r.Data, &s); err != nil {
			continue
		}
		if s.Type == typ {
			s.From = r.From
			out = append(out, s)
		}
	}
	return out
}

// Members lists the signaling room members.
func (h *Hub) Members(room domain.RoomToken) []domain.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.PeerID(nil), h.rooms[room]...)
}

// Drop simulates the relay losing a client connection.
func (h *Hub) Drop(id domain.PeerID) {
	h.mu.Lock()
	t, ok := h.conns[id]
	h.mu.Unlock()
	if !ok {
		return
	}
	t.close(errors.New("connection reset"))
}

func (h *Hub) enqueueLocked(to domain.PeerID, event string, payload any) {
	t, ok := h.conns[to]
	if !ok {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	h.queue = append(h.queue, delivery{to: t, event: event, data: data})
}

func (h *Hub) handle(from domain.PeerID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, Record{From: from, Event: event, Data: data})

	switch event {
	case protocol.EventJoin:
		var p protocol.RoomRef
		if err := protocol.Decode(data, &p); err != nil {
			return err
		}
		h.joinLocked(from, p.Room)
	case protocol.EventLeave:
		h.leaveAllLocked(from)
	case protocol.EventSignal:
		var s protocol.Signal
		if err := protocol.Decode(data, &s); err != nil {
			return err
		}
		s.From = from
		h.routeLocked(s)
	case protocol.EventJoinRoom:
		var p protocol.JoinRoom
		if err := protocol.Decode(data, &p); err != nil {
			return err
		}
		h.usernames[from] = p.Username
		if !contains(h.chatRooms[p.RoomID], from) {
			h.chatRooms[p.RoomID] = append(h.chatRooms[p.RoomID], from)
		}
		h.roomUsersLocked(p.RoomID)
	case protocol.EventSendMessage:
		var p protocol.SendMessage
		if err := protocol.Decode(data, &p); err != nil {
			return err
		}
		for _, m := range h.chatRooms[p.RoomID] {
			h.enqueueLocked(m, protocol.EventMessage, protocol.Message{RoomID: p.RoomID, User: p.User, Text: p.Text})
		}
	case protocol.EventPing:
		h.enqueueLocked(from, protocol.EventPong, protocol.Ping{})
	}
	return nil
}

func (h *Hub) joinLocked(id domain.PeerID, room domain.RoomToken) {
	members := h.rooms[room]
	if contains(members, id) {
		return
	}
	for _, m := range members {
		h.enqueueLocked(m, protocol.EventPeerJoined, protocol.PeerRef{PeerID: id})
	}
	h.rooms[room] = append(members, id)
	h.rosterLocked(room)
}

func (h *Hub) leaveAllLocked(id domain.PeerID) {
	for room, members := range h.rooms {
		if !contains(members, id) {
			continue
		}
		h.rooms[room] = without(members, id)
		for _, m := range h.rooms[room] {
			h.enqueueLocked(m, protocol.EventPeerLeft, protocol.PeerRef{PeerID: id})
		}
		h.rosterLocked(room)
	}
	for room, members := range h.chatRooms {
		if contains(members, id) {
			h.chatRooms[room] = without(members, id)
			h.roomUsersLocked(room)
		}
	}
}

func (h *Hub) rosterLocked(room domain.RoomToken) {
	peers := append([]domain.PeerID(nil), h.rooms[room]...)
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, m := range h.rooms[room] {
		h.enqueueLocked(m, protocol.EventRoster, protocol.Roster{Room: room, Peers: peers})
	}
}

func (h *Hub) roomUsersLocked(room domain.RoomToken) {
	var users []string
	for _, m := range h.chatRooms[room] {
		users = append(users, h.usernames[m])
	}
	for _, m := range h.chatRooms[room] {
		h.enqueueLocked(m, protocol.EventRoomUsers, protocol.RoomUsers{RoomID: room, Users: users})
	}
}

func (h *Hub) routeLocked(s protocol.Signal) {
	for _, members := range h.rooms {
		if !contains(members, s.From) {
			continue
		}
		for _, m := range members {
			if m == s.From || (s.Directed() && m != s.To) {
				continue
			}
			h.enqueueLocked(m, protocol.EventSignal, s)
		}
	}
}

func contains(ids []domain.PeerID, id domain.PeerID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []domain.PeerID, id domain.PeerID) []domain.PeerID {
	out := make([]domain.PeerID, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Transport is one client connection to the Hub.
type Transport struct {
	hub *Hub
	id  domain.PeerID

	mu           sync.Mutex
	closed       bool
	handlers     map[string]map[int]core.Handler
	next         int
	onDisconnect []func(error)
}

var _ core.Transport = (*Transport)(nil)

func (t *Transport) ID() domain.PeerID { return t.id }

func (t *Transport) Emit(event string, payload any) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrHubClosed
	}
	return t.hub.handle(t.id, event, payload)
}

type hubSub struct {
	once  sync.Once
	t     *Transport
	event string
	id    int
}

func (s *hubSub) Unsubscribe() {
	s.once.Do(func() {
		s.t.mu.Lock()
		delete(s.t.handlers[s.event], s.id)
		s.t.mu.Unlock()
	})
}

func (t *Transport) On(event string, h core.Handler) core.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[int]core.Handler)
	}
	id := t.next
	t.next++
	t.handlers[event][id] = h
	return &hubSub{t: t, event: event, id: id}
}

func (t *Transport) OnDisconnect(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = append(t.onDisconnect, fn)
	t.mu.Unlock()
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.detach()
	return nil
}

// HandlerCount reports how many handlers are subscribed.
func (t *Transport) HandlerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, hs := range t.handlers {
		n += len(hs)
	}
	return n
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) close(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	fns := append([]func(error){}, t.onDisconnect...)
	t.mu.Unlock()
	t.detach()
	for _, fn := range fns {
		fn(err)
	}
}

func (t *Transport) detach() {
	h := t.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveAllLocked(t.id)
	delete(h.conns, t.id)
}

func (t *Transport) deliver(event string, data json.RawMessage) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	hs := t.handlers[event]
	ids := make([]int, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]core.Handler, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, hs[id])
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}
