package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

// PresenterClaim reserves the presenter slot for sid and hands back a
// fresh send transport for the shared stream. A non-empty slot rejects
// the claim with PresenterBusy.
func (o *Orchestrator) PresenterClaim(ctx context.Context, sid domain.SessionID) (core.TransportInfo, error) {
	if !o.Registry.Has(sid) {
		return core.TransportInfo{}, core.E(core.CodeUnknownSession, "session %s not registered", sid)
	}
	// Cheap rejection before the engine round trip; Claim below settles
	// any race.
	if view, ok := o.Presenter.Current(); ok {
		return core.TransportInfo{}, core.E(core.CodePresenterBusy, "presenter slot held by %s", view.SID)
	}

	info, err := o.Engine.CreateTransport(ctx)
	if err != nil {
		return core.TransportInfo{}, asEngineError(err)
	}
	if err := o.Presenter.Claim(sid, info.ID); err != nil {
		o.discardResource(ctx, info.ID)
		return core.TransportInfo{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.Registry.Has(sid) {
		if _, err := o.Presenter.Release(sid); err != nil {
			log.Error().Err(err).Str("module", "orch").Msg("claim rollback")
		}
		o.discardResource(ctx, info.ID)
		return core.TransportInfo{}, core.E(core.CodeSessionClosed, "session %s closed mid-request", sid)
	}
	o.Store.Put(domain.Resource{ID: info.ID, Kind: domain.KindTransport, Owner: sid})
	_ = o.Registry.AddResource(sid, info.ID, domain.KindTransport)
	return info, nil
}

// PresenterConnect relays the security material for the presenter's
// send transport. Only the slot owner may call it.
func (o *Orchestrator) PresenterConnect(ctx context.Context, sid domain.SessionID, params json.RawMessage) error {
	view, ok := o.Presenter.Current()
	if !ok || view.SID != sid {
		return core.E(core.CodeNotPresenter, "session %s does not hold the slot", sid)
	}
	if err := o.Engine.ConnectTransport(ctx, view.TransportID, params); err != nil {
		return asEngineError(err)
	}
	return nil
}

// PresenterProduce starts the shared stream. On success every session
// is told about the new presenter and the roster is refreshed.
func (o *Orchestrator) PresenterProduce(ctx context.Context, sid domain.SessionID, kind string, rtpParameters json.RawMessage) (domain.ResourceID, error) {
	view, ok := o.Presenter.Current()
	if !ok || view.SID != sid {
		return "", core.E(core.CodeNotPresenter, "session %s does not hold the slot", sid)
	}

	pid, err := o.Engine.Produce(ctx, view.TransportID, kind, rtpParameters)
	if err != nil {
		return "", asEngineError(err)
	}
	if err := o.Presenter.StartProducing(sid, pid); err != nil {
		o.discardResource(ctx, pid)
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.Registry.Has(sid) {
		if _, err := o.Presenter.Release(sid); err != nil {
			log.Error().Err(err).Str("module", "orch").Msg("produce rollback")
		}
		o.discardResource(ctx, pid)
		return "", core.E(core.CodeSessionClosed, "session %s closed mid-request", sid)
	}
	// The presenter producer is tracked for teardown but never enters
	// availableProducerIds; the roster advertises presence through the
	// is_presenter flag instead.
	o.Store.Put(domain.Resource{ID: pid, Kind: domain.KindProducer, Owner: sid})
	_ = o.Registry.AddResource(sid, pid, domain.KindProducer)
	o.broadcast(notice{Type: "newPresenter", Data: presenterNotice{ID: sid}})
	o.broadcastRoster()
	o.broadcastLog("new presenter - %s", sid)
	return pid, nil
}

// PresenterRelease empties the slot and closes the presenter's engine
// resources, producer before transport. Non-owners get NotPresenter.
func (o *Orchestrator) PresenterRelease(ctx context.Context, sid domain.SessionID) error {
	view, err := o.Presenter.Release(sid)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if view.ProducerID != "" {
		o.Store.Remove(view.ProducerID)
		o.Registry.RemoveResource(sid, view.ProducerID, domain.KindProducer)
	}
	o.Store.Remove(view.TransportID)
	o.Registry.RemoveResource(sid, view.TransportID, domain.KindTransport)
	o.broadcast(notice{Type: "presenterExit", Data: presenterNotice{ID: sid}})
	o.broadcastRoster()
	o.broadcastLog("presenter close - %s", sid)
	o.mu.Unlock()

	if view.ProducerID != "" {
		if err := o.Engine.CloseResource(ctx, view.ProducerID); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("producer", string(view.ProducerID)).Msg("presenter release: close producer")
		}
	}
	if err := o.Engine.CloseResource(ctx, view.TransportID); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("transport", string(view.TransportID)).Msg("presenter release: close transport")
	}
	return nil
}

// CreatePresenterRecvTransport makes the receive transport a session
// uses to watch the presenter feed.
func (o *Orchestrator) CreatePresenterRecvTransport(ctx context.Context, sid domain.SessionID) (core.TransportInfo, error) {
	info, err := o.CreateTransport(ctx, sid)
	if err != nil {
		return core.TransportInfo{}, err
	}
	o.Registry.SetPresenterRecvTransport(sid, info.ID)
	return info, nil
}

// ConnectPresenterRecvTransport connects the session's presenter
// receive transport.
func (o *Orchestrator) ConnectPresenterRecvTransport(ctx context.Context, sid domain.SessionID, params json.RawMessage) error {
	tid, ok := o.Registry.PresenterRecvTransport(sid)
	if !ok {
		return core.E(core.CodeResourceNotFound, "no presenter receive transport for %s", sid)
	}
	if err := o.Engine.ConnectTransport(ctx, tid, params); err != nil {
		return asEngineError(err)
	}
	return nil
}

// ConsumePresenter subscribes the session to the current presenter
// feed over its receive transport.
func (o *Orchestrator) ConsumePresenter(ctx context.Context, sid domain.SessionID, rtpCapabilities json.RawMessage) (core.ConsumerInfo, error) {
	view, ok := o.Presenter.Current()
	if !ok || !view.Producing {
		return core.ConsumerInfo{}, core.E(core.CodeResourceNotFound, "no presenter producer")
	}
	tid, ok := o.Registry.PresenterRecvTransport(sid)
	if !ok {
		return core.ConsumerInfo{}, core.E(core.CodeResourceNotFound, "no presenter receive transport for %s", sid)
	}

	info, err := o.Engine.Consume(ctx, tid, view.ProducerID, rtpCapabilities)
	if err != nil {
		return core.ConsumerInfo{}, asEngineError(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.Registry.Has(sid) {
		o.discardResource(ctx, info.ID)
		return core.ConsumerInfo{}, core.E(core.CodeSessionClosed, "session %s closed mid-request", sid)
	}
	o.Store.Put(domain.Resource{ID: info.ID, Kind: domain.KindConsumer, Owner: sid})
	_ = o.Registry.AddResource(sid, info.ID, domain.KindConsumer)
	o.Registry.SetPresenterRecvConsumer(sid, info.ID)
	return info, nil
}
