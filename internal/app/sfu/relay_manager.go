package sfu

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/domain"
)

// RelayManager maps producer ids to their running relays.
type RelayManager struct {
	mu     sync.RWMutex
	relays map[domain.ResourceID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[domain.ResourceID]*Relay),
	}
}

// StartRelay binds a producer's remote track to a new relay and starts
// its forwarding loop.
func (m *RelayManager) StartRelay(ctx context.Context, producerID domain.ResourceID, track *webrtc.TrackRemote) {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("producer", string(producerID)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, cancel)

	m.mu.Lock()
	if old, ok := m.relays[producerID]; ok {
		logger.Info().Msg("replacing existing relay for producer")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[producerID] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
}

// Subscribe attaches a consumer's local track to the producer's relay.
func (m *RelayManager) Subscribe(producerID, consumerID domain.ResourceID, localTrack *webrtc.TrackLocalStaticRTP) bool {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.AddOutTrack(consumerID, NewOutTrack(localTrack))
	return true
}

// Unsubscribe marks the consumer's leg for removal; the relay loop
// drops it on the next packet.
func (m *RelayManager) Unsubscribe(producerID, consumerID domain.ResourceID) {
	m.mu.RLock()
	relay, ok := m.relays[producerID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	relay.mu.RLock()
	ot, ok := relay.outTracks[consumerID]
	relay.mu.RUnlock()
	if !ok {
		return
	}
	ot.MarkDelete()
}

// StopRelay stops a producer's relay and removes it from the manager.
func (m *RelayManager) StopRelay(producerID domain.ResourceID) {
	m.mu.Lock()
	relay, ok := m.relays[producerID]
	if ok {
		delete(m.relays, producerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for the producer.
func (m *RelayManager) HasRelay(producerID domain.ResourceID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[producerID]
	return ok
}
