package orch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/recorder"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/rs/zerolog/log"
)

const registryTimeout = 5 * time.Second

// Join acquires media, connects both transports and enters the room.
// Only transport failures abort; missing devices leave the session without media.
func (s *Session) Join(ctx context.Context, room domain.RoomToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrNotIdle
	}
	s.state = StateJoining
	s.room = room
	s.displayName = s.resolveName(ctx)
	l := log.With().Str("module", "orch").Str("room", string(room)).Logger()

	constraints := media.Constraints{Audio: true, Video: !s.opts.VoiceOnly}
	local, err := media.Acquire(ctx, s.deps.Device, constraints)
	if err != nil {
		var derr *core.DeviceError
		if !errors.As(err, &derr) {
			s.state = StateIdle
			return err
		}
		l.Warn().Err(err).Msg("joining without local media")
	}
	s.local = local

	signal, err := s.deps.Dialer.Dial(ctx, s.opts.SignalURL)
	if err != nil {
		s.abortJoinLocked()
		return err
	}
	chat, err := s.deps.Dialer.Dial(ctx, s.opts.ChatURL)
	if err != nil {
		_ = signal.Disconnect()
		s.abortJoinLocked()
		return err
	}
	s.setTransports(signal, chat)
	self := signal.ID()
	l = l.With().Str("peer", string(self)).Logger()

	s.registry = app.NewRegistry(s.deps.Factory, app.RegistryHooks{
		LocalTracks: local.Tracks,
		Emit:        s.emitSignal,
		OnTrack:     s.hooks.OnRemoteTrack,
	})
	local.BindSenders(s.registry)
	s.negotiator = app.NewNegotiator(app.NegotiatorConfig{
		Local:        self,
		Registry:     s.registry,
		Emit:         s.emitSignal,
		OnFailed:     s.hooks.OnPeerFailed,
		StallTimeout: s.opts.StallTimeout,
		Post:         s.post,
	})
	s.roster.SetSelf(self)
	s.chat.Bind(chat, room, s.displayName)

	s.subscribe(signal, protocol.EventPeerJoined, s.handlePeerJoined)
	s.subscribe(signal, protocol.EventPeerLeft, s.handlePeerLeft)
	s.subscribe(signal, protocol.EventRoster, s.handleRoster)
	s.subscribe(signal, protocol.EventSignal, s.handleSignal)
	s.subscribe(signal, protocol.EventError, s.handleRelayError)
	s.subscribe(chat, protocol.EventRoomUsers, s.handleRoomUsers)
	s.subscribe(chat, protocol.EventMessage, s.handleMessage)
	signal.OnDisconnect(s.onSignalingLost)
	chat.OnDisconnect(func(err error) {
		log.Warn().Err(err).Str("module", "orch").Msg("chat transport lost")
	})

	if err := signal.Emit(protocol.EventJoin, protocol.RoomRef{Room: room}); err != nil {
		s.abortJoinLocked()
		return &core.TransportError{URL: s.opts.SignalURL, Op: "join", Err: err}
	}
	if err := s.chat.JoinRoom(); err != nil {
		s.abortJoinLocked()
		return &core.TransportError{URL: s.opts.ChatURL, Op: "joinRoom", Err: err}
	}
	s.signalingUp = true
	s.sendSignal(protocol.UserInfoSignal("", s.displayName, local.AudioEnabled(), local.VideoEnabled()))

	bgCtx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel
	if s.opts.Record {
		if audio := local.Audio(); audio != nil {
			s.rec = recorder.New(recorder.Config{
				Segment:     s.opts.Segment,
				Room:        room,
				Participant: s.displayName,
				Uploader:    s.deps.Uploader,
			}, audio)
			s.rec.Start(bgCtx, audio.Enabled())
		}
	}
	s.registerMeeting(bgCtx, domain.Meeting{Room: room, HostName: s.displayName, CreatedAt: time.Now().UTC()})

	s.state = StateActive
	l.Info().Str("name", s.displayName).Bool("audio", local.Audio() != nil).Bool("video", local.Video() != nil).Msg("joined")
	return nil
}

func (s *Session) resolveName(ctx context.Context) string {
	if n, err := domain.NormalizeDisplayName(s.opts.DisplayName); err == nil {
		return n
	}
	if s.deps.Identity != nil {
		id, err := s.deps.Identity.Identity(ctx)
		if err == nil {
			if n, err := domain.NormalizeDisplayName(id.DisplayName); err == nil {
				return n
			}
		} else {
			log.Warn().Err(err).Str("module", "orch").Msg("identity unavailable")
		}
	}
	return domain.DefaultDisplayName
}

func (s *Session) registerMeeting(ctx context.Context, m domain.Meeting) {
	if s.deps.Meetings == nil {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(ctx, registryTimeout)
		defer cancel()
		if err := s.deps.Meetings.Ensure(ctx, m); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("room", string(m.Room)).Msg("meeting registry")
		}
	}()
}

// abortJoinLocked releases what a failed Join acquired.
func (s *Session) abortJoinLocked() {
	s.teardownLocked(false)
	log.Warn().Str("module", "orch").Str("room", string(s.room)).Msg("join aborted")
}

// Leave tears the session down once; further calls are no-ops.
func (s *Session) Leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive && s.state != StateJoining {
		return
	}
	s.state = StateLeaving
	s.teardownLocked(true)
	log.Info().Str("module", "orch").Str("room", string(s.room)).Msg("left")
}

// teardownLocked closes links, stops the recorder before the tracks it reads,
// stops tracks, releases subscriptions and disconnects transports.
func (s *Session) teardownLocked(announce bool) {
	s.connMu.RLock()
	signal, chat := s.signal, s.chatConn
	s.connMu.RUnlock()

	if announce {
		for _, t := range []core.Transport{signal, chat} {
			if t == nil {
				continue
			}
			if err := t.Emit(protocol.EventLeave, protocol.RoomRef{Room: s.room}); err != nil {
				log.Debug().Err(err).Str("module", "orch").Msg("leave emit")
			}
		}
	}
	if s.registry != nil {
		s.registry.CloseAll()
	}
	if s.rec != nil {
		s.rec.Stop()
		s.rec = nil
	}
	if s.bgCancel != nil {
		s.bgCancel()
		s.bgCancel = nil
	}
	if s.local != nil {
		s.local.Stop()
	}
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	for _, t := range []core.Transport{signal, chat} {
		if t != nil {
			_ = t.Disconnect()
		}
	}
	s.setTransports(nil, nil)
	s.chat.Unbind()
	s.roster.Clear()
	s.signalingUp = false
	s.state = StateIdle
}

// Wait blocks until background work started by the session returned.
func (s *Session) Wait() {
	s.bg.Wait()
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec != nil {
		rec.Wait()
	}
}

func (s *Session) onSignalingLost(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}
	s.signalingUp = false
	log.Error().Err(err).Str("module", "orch").Str("room", string(s.room)).Msg("signaling unavailable")
	if s.hooks.OnSignalingLost != nil {
		s.hooks.OnSignalingLost(err)
	}
}

func (s *Session) handlePeerJoined(payload json.RawMessage) {
	var p protocol.PeerRef
	if err := protocol.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad peer-joined")
		return
	}
	if !s.roster.Add(p.PeerID) {
		log.Debug().Str("module", "orch").Str("peer", string(p.PeerID)).Msg("duplicate peer-joined ignored")
		return
	}
	s.sendSignal(protocol.UserInfoSignal(p.PeerID, s.displayName, s.local.AudioEnabled(), s.local.VideoEnabled()))
	s.sendSignal(protocol.Signal{Type: protocol.SignalRequestUserInfo, To: p.PeerID})
	s.maybeInitiate(p.PeerID)
	s.rosterChangedLocked()
}

func (s *Session) handlePeerLeft(payload json.RawMessage) {
	var p protocol.PeerRef
	if err := protocol.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad peer-left")
		return
	}
	s.dropPeer(p.PeerID)
}

func (s *Session) dropPeer(id domain.PeerID) {
	s.registry.Remove(id)
	if s.roster.Remove(id) {
		s.rosterChangedLocked()
	}
}

func (s *Session) handleRoster(payload json.RawMessage) {
	var r protocol.Roster
	if err := protocol.Decode(payload, &r); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad roster")
		return
	}
	added, removed := s.roster.Reconcile(r.Peers)
	for _, id := range removed {
		s.registry.Remove(id)
	}
	for _, id := range r.Peers {
		if id != s.negotiator.Local() {
			s.maybeInitiate(id)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		s.rosterChangedLocked()
	}
}

// maybeInitiate offers to peer when this side wins the tie-break and no
// usable link exists yet.
func (s *Session) maybeInitiate(peer domain.PeerID) {
	if !s.negotiator.ShouldInitiate(peer) {
		return
	}
	if link, ok := s.registry.Get(peer); ok && link.Usable() {
		return
	}
	s.negotiator.CreateOffer(peer)
}

func (s *Session) handleRelayError(payload json.RawMessage) {
	var p protocol.ErrorPayload
	_ = json.Unmarshal(payload, &p)
	log.Warn().Str("module", "orch").Str("code", p.Code).Msg("relay error")
}

func (s *Session) handleRoomUsers(payload json.RawMessage) {
	var p protocol.RoomUsers
	if err := protocol.Decode(payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad roomUsers")
		return
	}
	s.chat.SetUsers(p.Users)
}

func (s *Session) handleMessage(payload json.RawMessage) {
	var m protocol.Message
	if err := protocol.Decode(payload, &m); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("bad message")
		return
	}
	s.chat.Receive(m)
}

// SendChat sends text to the room chat. Blank text is ignored.
func (s *Session) SendChat(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return ErrNotActive
	}
	return s.chat.Send(text)
}
