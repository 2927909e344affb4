package app

import "github.com/dkeye/stage/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a session whose signal channel could
// not accept a broadcast frame.
type Policy interface {
	OnBackPressure(sid domain.SessionID) BackpressureAction
}

// SimplePolicy kicks slow sessions: a participant that cannot keep up
// with roster traffic will not keep up with media either.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.SessionID) BackpressureAction {
	return KickMember
}
