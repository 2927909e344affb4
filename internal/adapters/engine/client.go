// Package engine is the HTTP relay implementation of the media engine
// gateway: every verb is one request/response round trip against a
// remote media-plane service. The client keeps no state, caches
// nothing and never retries; transient transport failures surface as
// EngineUnavailable, parameter refusals as EngineRejected.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Ping probes the engine once. Used at startup, where an unreachable
// engine is fatal.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Capabilities(ctx)
	return err
}

func (c *Client) Capabilities(ctx context.Context) (json.RawMessage, error) {
	var caps json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/capabilities", nil, &caps); err != nil {
		return nil, err
	}
	return caps, nil
}

func (c *Client) CreateTransport(ctx context.Context) (core.TransportInfo, error) {
	var info core.TransportInfo
	if err := c.do(ctx, http.MethodPost, "/transports", struct{}{}, &info); err != nil {
		return core.TransportInfo{}, err
	}
	return info, nil
}

func (c *Client) ConnectTransport(ctx context.Context, id domain.ResourceID, params json.RawMessage) error {
	body := map[string]json.RawMessage{"params": params}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/transports/%s/connect", id), body, nil)
}

func (c *Client) Produce(ctx context.Context, transportID domain.ResourceID, kind string, rtpParameters json.RawMessage) (domain.ResourceID, error) {
	body := map[string]any{"kind": kind, "rtpParameters": rtpParameters}
	var out struct {
		ID domain.ResourceID `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/transports/%s/producers", transportID), body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) Consume(ctx context.Context, transportID, producerID domain.ResourceID, rtpCapabilities json.RawMessage) (core.ConsumerInfo, error) {
	body := map[string]any{"producerId": producerID, "rtpCapabilities": rtpCapabilities}
	var info core.ConsumerInfo
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/transports/%s/consumers", transportID), body, &info); err != nil {
		return core.ConsumerInfo{}, err
	}
	return info, nil
}

func (c *Client) CloseResource(ctx context.Context, id domain.ResourceID) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/resources/%s", id), nil, nil)
	// The engine treats deleting a missing resource as already done;
	// mirror that so teardown stays idempotent.
	if core.IsCode(err, core.CodeEngineRejected) {
		log.Debug().Str("module", "engine.client").Str("resource", string(id)).Msg("close of unknown resource")
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return core.E(core.CodeEngineUnavailable, "encode request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return core.E(core.CodeEngineUnavailable, "build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return core.E(core.CodeEngineUnavailable, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return core.E(core.CodeEngineUnavailable, "%s %s: engine returned %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return core.E(core.CodeEngineRejected, "%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return core.E(core.CodeEngineUnavailable, "%s %s: decode response: %v", method, path, err)
	}
	return nil
}
