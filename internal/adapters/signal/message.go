package signal

import (
	"encoding/json"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

func (ctl *Controller) handleMessage(sid domain.SessionID, data []byte) (any, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Text == "" {
		return nil, core.E(core.CodeInvalidRequest, "bad message payload")
	}
	return nil, ctl.Orch.Message(sid, p.Text)
}
