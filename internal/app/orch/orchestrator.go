// Package orch wires the session registry, resource store, presenter
// slot and media engine gateway into the operations the signaling and
// REST adapters dispatch to. Every state-visible change ends with a
// roster push.
package orch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/app"
	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

type Orchestrator struct {
	Registry  *app.Registry
	Store     *app.ResourceStore
	Presenter *app.PresenterSlot
	Engine    core.MediaEngine
	Policy    app.Policy

	// mu serializes commit+broadcast sections so a roster push always
	// sees a consistent snapshot. It is never held across an Engine
	// round trip.
	mu     sync.Mutex
	logSeq atomic.Uint64
}

func New(engine core.MediaEngine) *Orchestrator {
	return &Orchestrator{
		Registry:  app.NewRegistry(),
		Store:     app.NewResourceStore(),
		Presenter: app.NewPresenterSlot(),
		Engine:    engine,
		Policy:    app.SimplePolicy{},
	}
}

// notice is the unsolicited server-to-client envelope.
type notice struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type presenterNotice struct {
	ID domain.SessionID `json:"id"`
}

type messageNotice struct {
	ID       domain.SessionID `json:"id"`
	Username string           `json:"username,omitempty"`
	Text     string           `json:"text"`
}

// Roster recomputes the public view of every session: join order,
// presenter flag, and the producer ids that finished their two-phase
// publish.
func (o *Orchestrator) Roster() []domain.RosterEntry {
	var presenterSID domain.SessionID
	if view, ok := o.Presenter.Current(); ok {
		presenterSID = view.SID
	}

	snaps := o.Registry.Snapshot()
	entries := make([]domain.RosterEntry, 0, len(snaps))
	for _, snap := range snaps {
		available := make([]domain.ResourceID, 0, len(snap.ProducerIDs))
		for _, pid := range snap.ProducerIDs {
			if o.Store.Available(pid) {
				available = append(available, pid)
			}
		}
		entries = append(entries, domain.RosterEntry{
			ID:                   snap.SID,
			IsPresenter:          snap.SID == presenterSID,
			AvailableProducerIDs: available,
		})
	}
	return entries
}

func (o *Orchestrator) broadcastRoster() {
	o.broadcast(notice{Type: "users", Data: o.Roster()})
}

// broadcastLog fans out a numbered log line, mirroring it server-side.
func (o *Orchestrator) broadcastLog(format string, args ...any) {
	line := fmt.Sprintf("%d: %s", o.logSeq.Add(1), fmt.Sprintf(format, args...))
	log.Info().Str("module", "orch").Msg(line)
	o.broadcast(notice{Type: "log", Data: line})
}

func (o *Orchestrator) broadcast(v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("broadcast marshal")
		return
	}
	var slow []app.SignalRef
	for _, ref := range o.Registry.Signals() {
		if err := ref.Conn.TrySend(core.Frame(frame)); err != nil {
			slow = append(slow, ref)
		}
	}
	for _, ref := range slow {
		if o.Policy == nil {
			continue
		}
		switch o.Policy.OnBackPressure(ref.SID) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("sid", string(ref.SID)).Msg("kicking slow session")
			// Closing the connection drives the normal disconnect
			// teardown from that session's own read loop.
			ref.Conn.Close()
		case app.DropFrame, app.NoAction:
		}
	}
}

func (o *Orchestrator) notifyOne(sid domain.SessionID, v any) {
	conn, ok := o.Registry.Signal(sid)
	if !ok {
		return
	}
	frame, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("notify marshal")
		return
	}
	_ = conn.TrySend(core.Frame(frame))
}

// asEngineError classifies a gateway failure. Engine implementations
// already return coded errors; anything untyped died in transit.
func asEngineError(err error) error {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce
	}
	return core.E(core.CodeEngineUnavailable, "engine: %v", err)
}

// discardResource closes an engine resource whose bookkeeping commit
// was abandoned, so nothing leaks engine-side.
func (o *Orchestrator) discardResource(ctx context.Context, id domain.ResourceID) {
	if err := o.Engine.CloseResource(ctx, id); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("resource", string(id)).Msg("discard resource")
	}
}
