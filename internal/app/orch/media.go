package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

// ownedTransport checks that tid is a live transport belonging to sid.
func (o *Orchestrator) ownedTransport(sid domain.SessionID, tid domain.ResourceID) error {
	res, ok := o.Store.Get(tid)
	if !ok || res.Kind != domain.KindTransport || res.Owner != sid {
		return core.E(core.CodeResourceNotFound, "transport %s not found", tid)
	}
	return nil
}

// CreateTransport asks the engine for a transport and records it under
// sid. If the session disconnected during the round trip the transport
// is closed again instead of committed.
func (o *Orchestrator) CreateTransport(ctx context.Context, sid domain.SessionID) (core.TransportInfo, error) {
	if !o.Registry.Has(sid) {
		return core.TransportInfo{}, core.E(core.CodeUnknownSession, "session %s not registered", sid)
	}
	info, err := o.Engine.CreateTransport(ctx)
	if err != nil {
		return core.TransportInfo{}, asEngineError(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.Registry.Has(sid) {
		o.discardResource(ctx, info.ID)
		return core.TransportInfo{}, core.E(core.CodeSessionClosed, "session %s closed mid-request", sid)
	}
	o.Store.Put(domain.Resource{ID: info.ID, Kind: domain.KindTransport, Owner: sid})
	_ = o.Registry.AddResource(sid, info.ID, domain.KindTransport)
	return info, nil
}

// ConnectTransport relays the client's security material to the engine.
// Transports must be created before they are connected.
func (o *Orchestrator) ConnectTransport(ctx context.Context, sid domain.SessionID, tid domain.ResourceID, params json.RawMessage) error {
	if err := o.ownedTransport(sid, tid); err != nil {
		return err
	}
	if err := o.Engine.ConnectTransport(ctx, tid, params); err != nil {
		return asEngineError(err)
	}
	return nil
}

// Produce creates a producer on one of the session's transports. The
// producer starts unavailable and is not advertised until the owning
// session calls ProduceFinish.
func (o *Orchestrator) Produce(ctx context.Context, sid domain.SessionID, tid domain.ResourceID, kind string, rtpParameters json.RawMessage) (domain.ResourceID, error) {
	if err := o.ownedTransport(sid, tid); err != nil {
		return "", err
	}
	pid, err := o.Engine.Produce(ctx, tid, kind, rtpParameters)
	if err != nil {
		return "", asEngineError(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.Registry.Has(sid) {
		o.discardResource(ctx, pid)
		return "", core.E(core.CodeSessionClosed, "session %s closed mid-request", sid)
	}
	o.Store.Put(domain.Resource{ID: pid, Kind: domain.KindProducer, Owner: sid})
	_ = o.Registry.AddResource(sid, pid, domain.KindProducer)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("producer", string(pid)).Msg("new producer")
	return pid, nil
}

// ProduceFinish is the second phase of the publish: the owning session
// confirms the media path is connected, the producer becomes visible.
func (o *Orchestrator) ProduceFinish(sid domain.SessionID, pid domain.ResourceID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	res, ok := o.Store.Get(pid)
	if !ok || res.Kind != domain.KindProducer || res.Owner != sid {
		return core.E(core.CodeResourceNotFound, "producer %s not found", pid)
	}
	o.Store.SetAvailable(pid, true)
	o.broadcastRoster()
	return nil
}

// DeleteProduce closes a producer and removes it from the roster.
// A second delete for the same id reports ResourceNotFound.
func (o *Orchestrator) DeleteProduce(ctx context.Context, sid domain.SessionID, pid domain.ResourceID) error {
	o.mu.Lock()
	res, ok := o.Store.Get(pid)
	if !ok || res.Kind != domain.KindProducer || res.Owner != sid {
		o.mu.Unlock()
		return core.E(core.CodeResourceNotFound, "producer %s not found", pid)
	}
	o.Store.Remove(pid)
	o.Registry.RemoveResource(sid, pid, domain.KindProducer)
	o.broadcastRoster()
	o.mu.Unlock()

	if err := o.Engine.CloseResource(ctx, pid); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("producer", string(pid)).Msg("delete produce: engine close")
	}
	return nil
}

// Consume subscribes one of the session's transports to a remote
// producer. The producer must exist and have finished its publish.
func (o *Orchestrator) Consume(ctx context.Context, sid domain.SessionID, tid, pid domain.ResourceID, rtpCapabilities json.RawMessage) (core.ConsumerInfo, error) {
	if err := o.ownedTransport(sid, tid); err != nil {
		return core.ConsumerInfo{}, err
	}
	res, ok := o.Store.Get(pid)
	if !ok || res.Kind != domain.KindProducer {
		return core.ConsumerInfo{}, core.E(core.CodeResourceNotFound, "producer %s not found", pid)
	}
	if !res.Available {
		return core.ConsumerInfo{}, core.E(core.CodeProducerUnavailable, "producer %s not available", pid)
	}

	info, err := o.Engine.Consume(ctx, tid, pid, rtpCapabilities)
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
	return info, nil
}
