package app

import (
	"time"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ShouldInitiate decides which side of a pair sends the offer.
func ShouldInitiate(local, remote domain.PeerID) bool {
	return local > remote
}

type NegotiatorConfig struct {
	Local    domain.PeerID
	Registry *Registry
	Emit     func(protocol.Signal) error
	// OnFailed is told about every link that ends up failed.
	OnFailed func(peer domain.PeerID, err error)
	// StallTimeout fails links that are not stable in time. Zero disables it.
	StallTimeout time.Duration
	// Post runs fn in the owner's serialized context. Defaults to a direct call.
	Post func(fn func())
}

// Negotiator drives offer/answer and candidate exchange for every link.
// Callers serialize its methods.
type Negotiator struct {
	cfg NegotiatorConfig
}

func NewNegotiator(cfg NegotiatorConfig) *Negotiator {
	if cfg.Post == nil {
		cfg.Post = func(fn func()) { fn() }
	}
	return &Negotiator{cfg: cfg}
}

func (n *Negotiator) Local() domain.PeerID { return n.cfg.Local }

func (n *Negotiator) ShouldInitiate(remote domain.PeerID) bool {
	return ShouldInitiate(n.cfg.Local, remote)
}

// polite sides roll back their own offer when offers collide.
func (n *Negotiator) polite(remote domain.PeerID) bool {
	return !n.ShouldInitiate(remote)
}

// CreateOffer starts negotiation with peer.
func (n *Negotiator) CreateOffer(peer domain.PeerID) {
	link, err := n.cfg.Registry.GetOrCreate(peer)
	if err != nil {
		n.report(peer, err)
		return
	}
	if s := link.State(); s != LinkNew && s != LinkStable {
		log.Debug().Str("module", "app.negotiator").Str("peer", string(peer)).Str("state", s.String()).Msg("offer already in flight")
		return
	}

	var offer webrtc.SessionDescription
	err = n.withRetry(link, "offer", func(p core.Profile) error {
		o, err := link.conn.CreateOffer(p)
		if err != nil {
			return err
		}
		if err := link.conn.SetLocalDescription(o); err != nil {
			return err
		}
		offer = o
		return nil
	})
	if err != nil {
		n.fail(link, "offer", err)
		return
	}
	link.setState(LinkHaveLocalOffer)
	n.armStall(link)
	n.emit(protocol.OfferSignal(peer, offer))
}

// ReceiveOffer accepts a remote offer. On collision the polite side rolls its
// own offer back and the initiator ignores the incoming one.
func (n *Negotiator) ReceiveOffer(peer domain.PeerID, offer webrtc.SessionDescription) {
	link, err := n.cfg.Registry.GetOrCreate(peer)
	if err != nil {
		n.report(peer, err)
		return
	}

	if link.State() == LinkHaveLocalOffer {
		if !n.polite(peer) {
			log.Info().Str("module", "app.negotiator").Str("peer", string(peer)).Msg("glare, keeping local offer")
			return
		}
		log.Info().Str("module", "app.negotiator").Str("peer", string(peer)).Msg("glare, rolling back local offer")
		if err := link.conn.Rollback(); err != nil {
			n.fail(link, "rollback", err)
			return
		}
		link.setState(LinkStable)
	}

	if err := link.conn.SetRemoteDescription(offer); err != nil {
		n.fail(link, "set-remote-offer", err)
		return
	}
	link.markRemoteSet()
	link.setState(LinkHaveRemoteOffer)
	n.flush(link)

	var answer webrtc.SessionDescription
	err = n.withRetry(link, "answer", func(p core.Profile) error {
		a, err := link.conn.CreateAnswer(p)
		if err != nil {
			return err
		}
		if err := link.conn.SetLocalDescription(a); err != nil {
			return err
		}
		answer = a
		return nil
	})
	if err != nil {
		n.fail(link, "answer", err)
		return
	}
	link.setState(LinkStable)
	n.emit(protocol.AnswerSignal(peer, answer))
}

// ReceiveAnswer applies an answer to a pending local offer; anything else is discarded.
func (n *Negotiator) ReceiveAnswer(peer domain.PeerID, answer webrtc.SessionDescription) {
	link, ok := n.cfg.Registry.Get(peer)
	if !ok || link.State() != LinkHaveLocalOffer {
		state := "absent"
		if ok {
			state = link.State().String()
		}
		log.Warn().Str("module", "app.negotiator").Str("peer", string(peer)).Str("state", state).Msg("discarding unexpected answer")
		return
	}
	if err := link.conn.SetRemoteDescription(answer); err != nil {
		n.fail(link, "set-remote-answer", err)
		return
	}
	link.markRemoteSet()
	link.setState(LinkStable)
	n.flush(link)
}

// ReceiveCandidate buffers until the remote description is set.
func (n *Negotiator) ReceiveCandidate(peer domain.PeerID, c webrtc.ICECandidateInit) {
	link, err := n.cfg.Registry.GetOrCreate(peer)
	if err != nil {
		n.report(peer, err)
		return
	}
	if !link.RemoteDescriptionSet() {
		link.enqueue(CandidateRecord{From: peer, To: n.cfg.Local, Candidate: c})
		return
	}
	if err := link.conn.AddICECandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "app.negotiator").Str("peer", string(peer)).Msg("add candidate")
	}
}

func (n *Negotiator) flush(link *PeerLink) {
	pending := link.drain()
	for _, rec := range pending {
		if err := link.conn.AddICECandidate(rec.Candidate); err != nil {
			log.Warn().Err(err).Str("module", "app.negotiator").Str("peer", string(link.Peer)).Msg("add buffered candidate")
		}
	}
	if len(pending) > 0 {
		log.Debug().Str("module", "app.negotiator").Str("peer", string(link.Peer)).Int("count", len(pending)).Msg("flushed candidates")
	}
}

// withRetry runs op with the link profile and once more with the reduced one.
func (n *Negotiator) withRetry(link *PeerLink, op string, fn func(core.Profile) error) error {
	err := fn(link.profile)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("module", "app.negotiator").Str("peer", string(link.Peer)).Str("op", op).Msg("retrying with reduced options")
	return fn(core.ProfileReduced)
}

func (n *Negotiator) fail(link *PeerLink, op string, err error) {
	link.setState(LinkFailed)
	n.report(link.Peer, &core.NegotiationError{Peer: link.Peer, Op: op, Err: err})
}

func (n *Negotiator) report(peer domain.PeerID, err error) {
	log.Error().Err(err).Str("module", "app.negotiator").Str("peer", string(peer)).Msg("peer link failed")
	if n.cfg.OnFailed != nil {
		n.cfg.OnFailed(peer, err)
	}
}

func (n *Negotiator) emit(sig protocol.Signal) {
	if n.cfg.Emit == nil {
		return
	}
	if err := n.cfg.Emit(sig); err != nil {
		log.Warn().Err(err).Str("module", "app.negotiator").Str("peer", string(sig.To)).Str("type", string(sig.Type)).Msg("emit failed")
	}
}

func (n *Negotiator) armStall(link *PeerLink) {
	d := n.cfg.StallTimeout
	link.armStall(d, func() {
		n.cfg.Post(func() {
			current, ok := n.cfg.Registry.Get(link.Peer)
			if !ok || current != link || link.State() == LinkStable || !link.Usable() {
				return
			}
			n.fail(link, "stall", errStalled{d})
		})
	})
}

type errStalled struct{ after time.Duration }

func (e errStalled) Error() string { return "not stable after " + e.after.String() }
