package app

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

const (
	presenterEmpty     = "empty"
	presenterClaimed   = "claimed"
	presenterProducing = "producing"
)

// PresenterView is a read-only copy of the slot's occupant.
type PresenterView struct {
	SID         domain.SessionID
	TransportID domain.ResourceID
	ProducerID  domain.ResourceID
	Producing   bool
}

// PresenterSlot is the room's single-presenter state machine:
// empty -> claimed -> producing -> empty. All transitions are guarded;
// a session can only move the slot it occupies, and claiming a
// non-empty slot is rejected instead of overwriting it.
type PresenterSlot struct {
	mu    sync.Mutex
	state *fsm.FSM

	sid         domain.SessionID
	transportID domain.ResourceID
	producerID  domain.ResourceID
}

func NewPresenterSlot() *PresenterSlot {
	return &PresenterSlot{
		state: fsm.NewFSM(
			presenterEmpty,
			fsm.Events{
				{Name: "claim", Src: []string{presenterEmpty}, Dst: presenterClaimed},
				{Name: "produce", Src: []string{presenterClaimed}, Dst: presenterProducing},
				{Name: "release", Src: []string{presenterClaimed, presenterProducing}, Dst: presenterEmpty},
			},
			fsm.Callbacks{},
		),
	}
}

// Claim moves the slot to claimed for sid. Only an empty slot can be
// claimed; anything else reports PresenterBusy.
func (p *PresenterSlot) Claim(sid domain.SessionID, transportID domain.ResourceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.state.Event(context.Background(), "claim"); err != nil {
		return core.E(core.CodePresenterBusy, "presenter slot held by %s", p.sid)
	}
	p.sid = sid
	p.transportID = transportID
	log.Info().Str("module", "app.presenter").Str("sid", string(sid)).Msg("slot claimed")
	return nil
}

// StartProducing records the presenter's producer and moves the slot to
// producing. Only the claiming session may call it.
func (p *PresenterSlot) StartProducing(sid domain.SessionID, producerID domain.ResourceID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sid != sid {
		return core.E(core.CodeNotPresenter, "session %s does not hold the slot", sid)
	}
	if err := p.state.Event(context.Background(), "produce"); err != nil {
		return core.E(core.CodeNotPresenter, "slot is %s, not claimed", p.state.Current())
	}
	p.producerID = producerID
	log.Info().Str("module", "app.presenter").Str("sid", string(sid)).Str("producer", string(producerID)).Msg("slot producing")
	return nil
}

// Release empties the slot. Only the occupying session (or its
// disconnect teardown) may release it; anyone else gets NotPresenter.
// The previous occupancy is returned so the caller can close the
// presenter's engine resources.
func (p *PresenterSlot) Release(sid domain.SessionID) (PresenterView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Is(presenterEmpty) || p.sid != sid {
		return PresenterView{}, core.E(core.CodeNotPresenter, "session %s does not hold the slot", sid)
	}
	view := p.viewLocked()
	if err := p.state.Event(context.Background(), "release"); err != nil {
		return PresenterView{}, core.E(core.CodeNotPresenter, "slot is %s", p.state.Current())
	}
	p.sid = ""
	p.transportID = ""
	p.producerID = ""
	log.Info().Str("module", "app.presenter").Str("sid", string(sid)).Msg("slot released")
	return view, nil
}

// Current returns the occupant, if any.
func (p *PresenterSlot) Current() (PresenterView, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Is(presenterEmpty) {
		return PresenterView{}, false
	}
	return p.viewLocked(), true
}

// Owner reports whether sid occupies the slot.
func (p *PresenterSlot) Owner(sid domain.SessionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.state.Is(presenterEmpty) && p.sid == sid
}

func (p *PresenterSlot) viewLocked() PresenterView {
	return PresenterView{
		SID:         p.sid,
		TransportID: p.transportID,
		ProducerID:  p.producerID,
		Producing:   p.state.Is(presenterProducing),
	}
}
