package relay

import "github.com/dkeye/voicemesh/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room domain.RoomToken, m Member) BackpressureAction
}

// SimplePolicy kicks slow members. A peer that misses signaling frames
// cannot converge anyway.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomToken, Member) BackpressureAction {
	return KickMember
}

// DropPolicy only drops the frame.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(domain.RoomToken, Member) BackpressureAction {
	return DropFrame
}
