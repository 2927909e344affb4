package signal

import (
	"context"
	"encoding/json"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

func (ctl *Controller) handlePresenterConnect(ctx context.Context, sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.E(core.CodeInvalidRequest, "bad presenterConnect payload")
	}
	return nil, ctl.Orch.PresenterConnect(ctx, sid, p.Params)
}

func (ctl *Controller) handlePresenterProduce(ctx context.Context, sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		Kind          string          `json:"kind"`
		RTPParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Kind == "" {
		return nil, core.E(core.CodeInvalidRequest, "bad presenterProduce payload")
	}
	pid, err := ctl.Orch.PresenterProduce(ctx, sid, p.Kind, p.RTPParameters)
	if err != nil {
		return nil, err
	}
	return idResult{ID: pid}, nil
}

func (ctl *Controller) handleConnectPresenterRecv(ctx context.Context, sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.E(core.CodeInvalidRequest, "bad connectPresenterRecvTransport payload")
	}
	return nil, ctl.Orch.ConnectPresenterRecvTransport(ctx, sid, p.Params)
}

func (ctl *Controller) handleConsumePresenter(ctx context.Context, sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, core.E(core.CodeInvalidRequest, "bad consumePresenter payload")
	}
	return ctl.Orch.ConsumePresenter(ctx, sid, p.RTPCapabilities)
}
