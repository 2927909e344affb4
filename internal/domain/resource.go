package domain

// ResourceID is an engine-assigned handle id, globally unique across
// transports, producers and consumers.
type ResourceID string

type ResourceKind int

const (
	KindTransport ResourceKind = iota
	KindProducer
	KindConsumer
)

func (k ResourceKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProducer:
		return "producer"
	case KindConsumer:
		return "consumer"
	}
	return "unknown"
}

// Resource is the orchestration-side record of an engine-issued handle.
// The engine owns the real transport/producer/consumer; this entry is
// what the roster and teardown logic work from.
type Resource struct {
	ID    ResourceID
	Kind  ResourceKind
	Owner SessionID
	// Available applies to producers only. It starts false and flips to
	// true when the owning session confirms the media path is connected.
	Available bool
}
