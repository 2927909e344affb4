package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/stage/internal/domain"
)

// Frame is a raw outbound payload (an encoded notification or response).
type Frame []byte

// SignalConnection abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// TransportInfo is what the engine hands back for a new transport. Params
// carries the engine-defined connection parameters; the orchestration
// core relays them untouched.
type TransportInfo struct {
	ID     domain.ResourceID `json:"id"`
	Params json.RawMessage   `json:"params"`
}

// ConsumerInfo is the engine's answer to a consume request.
type ConsumerInfo struct {
	ID         domain.ResourceID `json:"id"`
	ProducerID domain.ResourceID `json:"producerId"`
	Kind       string            `json:"kind"`
	Params     json.RawMessage   `json:"params"`
}

// MediaEngine is the orchestration layer's only way into the media
// plane. Every call is one blocking round trip; the gateway does no
// caching and no retries. Implementations report transient failures as
// EngineUnavailable and parameter refusals as EngineRejected.
type MediaEngine interface {
	Capabilities(ctx context.Context) (json.RawMessage, error)
	CreateTransport(ctx context.Context) (TransportInfo, error)
	ConnectTransport(ctx context.Context, id domain.ResourceID, params json.RawMessage) error
	Produce(ctx context.Context, transportID domain.ResourceID, kind string, rtpParameters json.RawMessage) (domain.ResourceID, error)
	Consume(ctx context.Context, transportID, producerID domain.ResourceID, rtpCapabilities json.RawMessage) (ConsumerInfo, error)
	CloseResource(ctx context.Context, id domain.ResourceID) error
}
