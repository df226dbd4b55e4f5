package app

import (
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RegistryHooks connects new links to the rest of the session.
type RegistryHooks struct {
	// LocalTracks lists the tracks every new link gets.
	LocalTracks func() []core.LocalTrack
	// Emit sends a signal to the relay.
	Emit func(protocol.Signal) error
	// OnTrack receives remote media.
	OnTrack func(peer domain.PeerID, track *webrtc.TrackRemote)
}

// Registry owns at most one PeerLink per remote peer.
type Registry struct {
	mu      sync.RWMutex
	links   map[domain.PeerID]*PeerLink
	factory core.ConnectionFactory
	hooks   RegistryHooks
}

var _ core.SenderSet = (*Registry)(nil)

func NewRegistry(factory core.ConnectionFactory, hooks RegistryHooks) *Registry {
	return &Registry{
		links:   make(map[domain.PeerID]*PeerLink),
		factory: factory,
		hooks:   hooks,
	}
}

// GetOrCreate returns the live link for peer, building one when absent or
// when the previous one failed.
func (r *Registry) GetOrCreate(peer domain.PeerID) (*PeerLink, error) {
	r.mu.RLock()
	link, ok := r.links[peer]
	r.mu.RUnlock()
	if ok && link.Usable() {
		return link, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if link, ok = r.links[peer]; ok {
		if link.Usable() {
			return link, nil
		}
		log.Info().Str("module", "app.registry").Str("peer", string(peer)).Str("state", link.State().String()).Msg("replacing link")
		delete(r.links, peer)
		link.close()
	}

	link, err := r.build(peer)
	if err != nil {
		return nil, err
	}
	r.links[peer] = link
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Str("profile", link.profile.String()).Msg("created link")
	return link, nil
}

func (r *Registry) build(peer domain.PeerID) (*PeerLink, error) {
	profile := core.ProfileFull
	conn, err := r.factory.NewConnection(peer, profile)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("peer", string(peer)).Msg("build failed, retrying reduced")
		profile = core.ProfileReduced
		conn, err = r.factory.NewConnection(peer, profile)
		if err != nil {
			return nil, &core.NegotiationError{Peer: peer, Op: "build", Err: err}
		}
	}

	link := newPeerLink(peer, conn, profile)
	if r.hooks.LocalTracks != nil {
		for _, t := range r.hooks.LocalTracks() {
			if _, err := link.attach(t); err != nil {
				log.Warn().Err(err).Str("module", "app.registry").Str("peer", string(peer)).Str("kind", t.Kind().String()).Msg("attach failed")
			}
		}
	}

	emit := r.hooks.Emit
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if emit == nil {
			return
		}
		if err := emit(protocol.CandidateSignal(peer, c)); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("peer", string(peer)).Msg("candidate emit failed")
		}
	})
	if r.hooks.OnTrack != nil {
		onTrack := r.hooks.OnTrack
		conn.OnTrack(func(t *webrtc.TrackRemote) { onTrack(peer, t) })
	}
	conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed {
			link.setState(LinkFailed)
		}
	})
	return link, nil
}

func (r *Registry) Get(peer domain.PeerID) (*PeerLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.links[peer]
	return link, ok
}

// Remove closes and forgets the link. Absent peers are a no-op.
func (r *Registry) Remove(peer domain.PeerID) {
	r.mu.Lock()
	link, ok := r.links[peer]
	delete(r.links, peer)
	r.mu.Unlock()
	if !ok {
		return
	}
	link.close()
	log.Info().Str("module", "app.registry").Str("peer", string(peer)).Msg("removed link")
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	links := r.links
	r.links = make(map[domain.PeerID]*PeerLink)
	r.mu.Unlock()
	for _, l := range links {
		l.close()
	}
	log.Info().Str("module", "app.registry").Int("count", len(links)).Msg("closed all links")
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

func (r *Registry) Peers() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.links))
	for id := range r.links {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Senders implements core.SenderSet.
func (r *Registry) Senders(kind webrtc.RTPCodecType) []core.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Sender, 0, len(r.links))
	for _, l := range r.links {
		if s, ok := l.Sender(kind); ok {
			out = append(out, s)
		}
	}
	return out
}
