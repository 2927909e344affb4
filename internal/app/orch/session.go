package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

// Connect registers a new session. The roster is not pushed yet; that
// happens on Ready, once the client has loaded the engine capabilities.
func (o *Orchestrator) Connect(sid domain.SessionID, user *domain.User, signal core.SignalConnection) error {
	if err := o.Registry.Create(sid, user, signal); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broadcastLog("client connected - %s", sid)
	return nil
}

// Ready marks the Connecting->Ready transition: everyone gets a fresh
// roster, and if someone is already presenting the new session is told
// immediately so it can subscribe without waiting for the next claim.
func (o *Orchestrator) Ready(sid domain.SessionID) error {
	if !o.Registry.Has(sid) {
		return core.E(core.CodeUnknownSession, "session %s not registered", sid)
	}
	o.mu.Lock()
	o.broadcastRoster()
	o.mu.Unlock()

	if view, ok := o.Presenter.Current(); ok && view.Producing {
		o.notifyOne(sid, notice{Type: "newPresenter", Data: presenterNotice{ID: view.SID}})
	}
	return nil
}

// Capabilities relays the engine's capability blob. Safe to repeat.
func (o *Orchestrator) Capabilities(ctx context.Context) (json.RawMessage, error) {
	caps, err := o.Engine.Capabilities(ctx)
	if err != nil {
		return nil, asEngineError(err)
	}
	return caps, nil
}

// Message fans a free-text line out to every session with the sender
// identity attached. No state effect.
func (o *Orchestrator) Message(sid domain.SessionID, text string) error {
	user, ok := o.Registry.User(sid)
	if !ok {
		return core.E(core.CodeUnknownSession, "session %s not registered", sid)
	}
	var name string
	if user != nil {
		name = user.Username
	}
	o.broadcast(notice{Type: "message", Data: messageNotice{ID: sid, Username: name, Text: text}})
	return nil
}

// Disconnect tears a session down: presenter slot first, then every
// engine resource in reverse dependency order (consumers, producers,
// transports), then the registry record. Teardown is best-effort;
// engine errors are logged and never block the remaining steps.
func (o *Orchestrator) Disconnect(ctx context.Context, sid domain.SessionID) {
	if o.Presenter.Owner(sid) {
		if err := o.PresenterRelease(ctx, sid); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("disconnect: presenter release")
		}
	}

	refs := o.Registry.RemoveAll(sid)
	for _, ref := range refs {
		if err := o.Engine.CloseResource(ctx, ref.ID); err != nil {
			log.Error().Err(err).
				Str("module", "orch").
				Str("sid", string(sid)).
				Str("resource", string(ref.ID)).
				Str("kind", ref.Kind.String()).
				Msg("disconnect: close resource")
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ref := range refs {
		o.Store.Remove(ref.ID)
	}
	o.Registry.Destroy(sid)
	o.broadcastLog("client disconnected - %s", sid)
	o.broadcastRoster()
}
