package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

type idResult struct {
	ID domain.ResourceID `json:"id"`
}

func (ctl *Controller) handleConnectTransport(ctx context.Context, sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		TransportID domain.ResourceID `json:"transportId"`
		Params      json.RawMessage   `json:"params"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TransportID == "" {
		return nil, core.E(core.CodeInvalidRequest, "bad connectTransport payload")
	}
	return nil, ctl.Orch.ConnectTransport(ctx, sid, p.TransportID, p.Params)
}

func (ctl *Controller) handleProduce(ctx context.Context, sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		TransportID   domain.ResourceID `json:"transportId"`
		Kind          string            `json:"kind"`
		RTPParameters json.RawMessage   `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TransportID == "" || p.Kind == "" {
		return nil, core.E(core.CodeInvalidRequest, "bad produce payload")
	}
	pid, err := ctl.Orch.Produce(ctx, sid, p.TransportID, p.Kind, p.RTPParameters)
	if err != nil {
		return nil, err
	}
	return idResult{ID: pid}, nil
}

func (ctl *Controller) handleProduceFinish(sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		ProducerID domain.ResourceID `json:"producerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ProducerID == "" {
		return nil, core.E(core.CodeInvalidRequest, "bad produceFinish payload")
	}
	return nil, ctl.Orch.ProduceFinish(sid, p.ProducerID)
}

func (ctl *Controller) handleDeleteProduce(ctx context.Context, sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		ProducerID domain.ResourceID `json:"producerId"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.ProducerID == "" {
		return nil, core.E(core.CodeInvalidRequest, "bad deleteProduce payload")
	}
	return nil, ctl.Orch.DeleteProduce(ctx, sid, p.ProducerID)
}

func (ctl *Controller) handleConsume(ctx context.Context, sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		TransportID     domain.ResourceID `json:"transportId"`
		ProducerID      domain.ResourceID `json:"producerId"`
		RTPCapabilities json.RawMessage   `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.TransportID == "" || p.ProducerID == "" {
		return nil, core.E(core.CodeInvalidRequest, "bad consume payload")
	}
	return ctl.Orch.Consume(ctx, sid, p.TransportID, p.ProducerID, p.RTPCapabilities)
}
