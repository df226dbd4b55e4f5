package app

import (
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// Roster is the local view of remote participants, kept in join order.
type Roster struct {
	mu    sync.RWMutex
	byID  map[domain.PeerID]*domain.Participant
	order []domain.PeerID
	self  domain.PeerID
}

func NewRoster() *Roster {
	return &Roster{byID: make(map[domain.PeerID]*domain.Participant)}
}

// SetSelf excludes the local connection id from membership.
func (r *Roster) SetSelf(id domain.PeerID) {
	r.mu.Lock()
	r.self = id
	r.mu.Unlock()
}

// Add inserts a participant with defaults. It reports false for duplicates.
func (r *Roster) Add(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(id)
}

func (r *Roster) addLocked(id domain.PeerID) bool {
	if id == "" || id == r.self {
		return false
	}
	if _, ok := r.byID[id]; ok {
		return false
	}
	r.byID[id] = domain.NewParticipant(id)
	r.order = append(r.order, id)
	log.Info().Str("module", "app.roster").Str("peer", string(id)).Msg("participant added")
	return true
}

func (r *Roster) Remove(id domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Roster) removeLocked(id domain.PeerID) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "app.roster").Str("peer", string(id)).Msg("participant removed")
	return true
}

func (r *Roster) Has(id domain.PeerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// Get returns a copy of the participant.
func (r *Roster) Get(id domain.PeerID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Roster) Snapshot() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// update creates the participant on first metadata and applies fn.
func (r *Roster) update(id domain.PeerID, fn func(p *domain.Participant)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(id)
	p, ok := r.byID[id]
	if !ok {
		return false
	}
	fn(p)
	return true
}

func (r *Roster) ApplyUserInfo(id domain.PeerID, name string, mic bool, cam *bool) bool {
	return r.update(id, func(p *domain.Participant) {
		if n, err := domain.NormalizeDisplayName(name); err == nil {
			p.DisplayName = n
		}
		p.IsMicOn = mic
		if cam != nil {
			p.IsCameraOn = *cam
		}
	})
}

func (r *Roster) SetMic(id domain.PeerID, on bool) bool {
	return r.update(id, func(p *domain.Participant) { p.IsMicOn = on })
}

func (r *Roster) SetCamera(id domain.PeerID, on bool) bool {
	return r.update(id, func(p *domain.Participant) { p.IsCameraOn = on })
}

// Reconcile makes membership match ids and returns what changed.
func (r *Roster) Reconcile(ids []domain.PeerID) (added, removed []domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[domain.PeerID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
		if r.addLocked(id) {
			added = append(added, id)
		}
	}
	for _, id := range append([]domain.PeerID(nil), r.order...) {
		if _, ok := want[id]; !ok {
			r.removeLocked(id)
			removed = append(removed, id)
		}
	}
	return added, removed
}

func (r *Roster) Clear() {
	r.mu.Lock()
	r.byID = make(map[domain.PeerID]*domain.Participant)
	r.order = nil
	r.mu.Unlock()
}
