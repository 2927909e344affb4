package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

// request is the inbound envelope. Every request resolves exactly once
// with a response carrying the same correlation id.
type request struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type response struct {
	Type  string      `json:"type"`
	ID    string      `json:"id"`
	OK    bool        `json:"ok"`
	Data  any         `json:"data,omitempty"`
	Error *core.Error `json:"error,omitempty"`
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	pingPeriod := ctl.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump dispatches requests strictly in arrival order, so a
// session's operations never interleave with each other and disconnect
// teardown starts only after the in-flight handler returned.
func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, sid domain.SessionID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Orch.Disconnect(context.Background(), sid)
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				return
			}
			ctl.handleRequest(ctx, sid, c, data)
		}
	}
}

func (ctl *Controller) handleRequest(ctx context.Context, sid domain.SessionID, c *wsConn, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.fail(c, "", core.E(core.CodeInvalidRequest, "malformed request"))
		return
	}
	if req.Type == "" {
		ctl.fail(c, req.ID, core.E(core.CodeInvalidRequest, "missing request type"))
		return
	}

	result, err := ctl.dispatch(ctx, sid, req)
	if err != nil {
		ctl.fail(c, req.ID, err)
		return
	}
	ctl.respond(c, req.ID, result)
}

func (ctl *Controller) dispatch(ctx context.Context, sid domain.SessionID, req request) (any, error) {
	switch req.Type {
	case "capabilities":
		return ctl.Orch.Capabilities(ctx)
	case "ready":
		return nil, ctl.Orch.Ready(sid)
	case "createTransport":
		return ctl.Orch.CreateTransport(ctx, sid)
	case "connectTransport":
		return ctl.handleConnectTransport(ctx, sid, req.Data)
	case "produce":
		return ctl.handleProduce(ctx, sid, req.Data)
	case "produceFinish":
		return ctl.handleProduceFinish(sid, req.Data)
	case "deleteProduce":
		return ctl.handleDeleteProduce(ctx, sid, req.Data)
	case "consume":
		return ctl.handleConsume(ctx, sid, req.Data)
	case "presenterClaim":
		return ctl.Orch.PresenterClaim(ctx, sid)
	case "presenterConnect":
		return ctl.handlePresenterConnect(ctx, sid, req.Data)
	case "presenterProduce":
		return ctl.handlePresenterProduce(ctx, sid, req.Data)
	case "presenterRelease":
		return nil, ctl.Orch.PresenterRelease(ctx, sid)
	case "createPresenterRecvTransport":
		return ctl.Orch.CreatePresenterRecvTransport(ctx, sid)
	case "connectPresenterRecvTransport":
		return ctl.handleConnectPresenterRecv(ctx, sid, req.Data)
	case "consumePresenter":
		return ctl.handleConsumePresenter(ctx, sid, req.Data)
	case "message":
		return ctl.handleMessage(sid, req.Data)
	default:
		log.Warn().Str("module", "signal").Str("type", req.Type).Msg("unknown request")
		return nil, core.E(core.CodeInvalidRequest, "unknown request type %q", req.Type)
	}
}

func (ctl *Controller) respond(c *wsConn, id string, data any) {
	ctl.sendJSON(c, response{Type: "response", ID: id, OK: true, Data: data})
}

func (ctl *Controller) fail(c *wsConn, id string, err error) {
	ce, ok := err.(*core.Error)
	if !ok {
		ce = core.E(core.CodeOf(err), "%v", err)
	}
	ctl.sendJSON(c, response{Type: "response", ID: id, OK: false, Error: ce})
}

func (ctl *Controller) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(core.Frame(b))
}
