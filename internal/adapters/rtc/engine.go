// Package rtc is the in-process media engine: pion PeerConnections as
// transports, remote tracks as producers, and the sfu relay fanning
// packets out to consumer legs. It satisfies core.MediaEngine the same
// way the remote relay client does, so the orchestration core cannot
// tell the two apart.
package rtc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/app/sfu"
	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

// transportParams is the opaque connection-parameter blob this engine
// hands out and expects back: a plain SDP exchange.
type transportParams struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type transport struct {
	conn *Connection
	// Producers created before their track arrived, per media kind.
	pending map[string][]domain.ResourceID
	// Tracks that arrived before any producer claimed them.
	unclaimed map[string][]*webrtc.TrackRemote
}

type producer struct {
	transportID domain.ResourceID
	kind        string
}

type consumer struct {
	transportID domain.ResourceID
	producerID  domain.ResourceID
	sender      *webrtc.RTPSender
}

type Engine struct {
	ctx    context.Context
	cfg    webrtc.Configuration
	relays *sfu.RelayManager

	mu         sync.Mutex
	transports map[domain.ResourceID]*transport
	producers  map[domain.ResourceID]*producer
	consumers  map[domain.ResourceID]*consumer
}

func NewEngine(ctx context.Context, cfg webrtc.Configuration) *Engine {
	return &Engine{
		ctx:        ctx,
		cfg:        cfg,
		relays:     sfu.NewRelayManager(),
		transports: make(map[domain.ResourceID]*transport),
		producers:  make(map[domain.ResourceID]*producer),
		consumers:  make(map[domain.ResourceID]*consumer),
	}
}

func DefaultConfig(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunURLs}},
	}
}

// Capabilities reports the codecs this engine forwards.
func (e *Engine) Capabilities(context.Context) (json.RawMessage, error) {
	caps := map[string]any{
		"codecs": []map[string]any{
			{"kind": "audio", "mimeType": webrtc.MimeTypeOpus, "clockRate": 48000, "channels": 2},
			{"kind": "video", "mimeType": webrtc.MimeTypeVP8, "clockRate": 90000},
		},
	}
	blob, err := json.Marshal(caps)
	if err != nil {
		return nil, core.E(core.CodeEngineUnavailable, "capabilities: %v", err)
	}
	return blob, nil
}

func (e *Engine) CreateTransport(context.Context) (core.TransportInfo, error) {
	id := domain.ResourceID(uuid.NewString())
	conn, err := NewConnection(e.cfg, id)
	if err != nil {
		return core.TransportInfo{}, core.E(core.CodeEngineUnavailable, "new peer connection: %v", err)
	}
	conn.OnTrack(func(track *webrtc.TrackRemote) {
		e.onTrack(id, track)
	})

	offer, err := conn.CreateOfferAndGather()
	if err != nil {
		conn.Close()
		return core.TransportInfo{}, core.E(core.CodeEngineRejected, "offer: %v", err)
	}
	params, err := json.Marshal(transportParams{SDP: offer.SDP, Type: "offer"})
	if err != nil {
		conn.Close()
		return core.TransportInfo{}, core.E(core.CodeEngineUnavailable, "marshal params: %v", err)
	}

	e.mu.Lock()
	e.transports[id] = &transport{
		conn:      conn,
		pending:   make(map[string][]domain.ResourceID),
		unclaimed: make(map[string][]*webrtc.TrackRemote),
	}
	e.mu.Unlock()
	return core.TransportInfo{ID: id, Params: params}, nil
}

func (e *Engine) ConnectTransport(_ context.Context, id domain.ResourceID, params json.RawMessage) error {
	e.mu.Lock()
	t, ok := e.transports[id]
	e.mu.Unlock()
	if !ok {
		return core.E(core.CodeEngineRejected, "unknown transport %s", id)
	}
	var p transportParams
	if err := json.Unmarshal(params, &p); err != nil || p.SDP == "" {
		return core.E(core.CodeEngineRejected, "transport %s: bad connect parameters", id)
	}
	if err := t.conn.ApplyAnswer(p.SDP); err != nil {
		return core.E(core.CodeEngineRejected, "transport %s: %v", id, err)
	}
	return nil
}

func (e *Engine) Produce(_ context.Context, transportID domain.ResourceID, kind string, _ json.RawMessage) (domain.ResourceID, error) {
	if kind != "audio" && kind != "video" {
		return "", core.E(core.CodeEngineRejected, "unsupported kind %q", kind)
	}

	e.mu.Lock()
	t, ok := e.transports[transportID]
	if !ok {
		e.mu.Unlock()
		return "", core.E(core.CodeEngineRejected, "unknown transport %s", transportID)
	}
	pid := domain.ResourceID(uuid.NewString())
	e.producers[pid] = &producer{transportID: transportID, kind: kind}

	// Bind immediately if the track beat the produce request here;
	// otherwise the producer waits for onTrack.
	var track *webrtc.TrackRemote
	if waiting := t.unclaimed[kind]; len(waiting) > 0 {
		track = waiting[0]
		t.unclaimed[kind] = waiting[1:]
	} else {
		t.pending[kind] = append(t.pending[kind], pid)
	}
	e.mu.Unlock()

	if track != nil {
		e.relays.StartRelay(e.ctx, pid, track)
	}
	return pid, nil
}

func (e *Engine) Consume(_ context.Context, transportID, producerID domain.ResourceID, _ json.RawMessage) (core.ConsumerInfo, error) {
	e.mu.Lock()
	t, ok := e.transports[transportID]
	if !ok {
		e.mu.Unlock()
		return core.ConsumerInfo{}, core.E(core.CodeEngineRejected, "unknown transport %s", transportID)
	}
	prod, ok := e.producers[producerID]
	if !ok {
		e.mu.Unlock()
		return core.ConsumerInfo{}, core.E(core.CodeEngineRejected, "unknown producer %s", producerID)
	}
	e.mu.Unlock()

	if !e.relays.HasRelay(producerID) {
		return core.ConsumerInfo{}, core.E(core.CodeEngineRejected, "producer %s has no media yet", producerID)
	}

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if prod.kind == "video" {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	cid := domain.ResourceID(uuid.NewString())
	localTrack, err := webrtc.NewTrackLocalStaticRTP(capability, string(cid), "stage")
	if err != nil {
		return core.ConsumerInfo{}, core.E(core.CodeEngineRejected, "local track: %v", err)
	}
	sender, err := t.conn.AddLocalTrack(localTrack)
	if err != nil {
		return core.ConsumerInfo{}, core.E(core.CodeEngineRejected, "add track: %v", err)
	}
	if !e.relays.Subscribe(producerID, cid, localTrack) {
		return core.ConsumerInfo{}, core.E(core.CodeEngineRejected, "producer %s relay gone", producerID)
	}

	e.mu.Lock()
	e.consumers[cid] = &consumer{transportID: transportID, producerID: producerID, sender: sender}
	e.mu.Unlock()

	params, err := json.Marshal(map[string]string{"kind": prod.kind, "trackId": string(cid)})
	if err != nil {
		return core.ConsumerInfo{}, core.E(core.CodeEngineUnavailable, "marshal params: %v", err)
	}
	return core.ConsumerInfo{ID: cid, ProducerID: producerID, Kind: prod.kind, Params: params}, nil
}

// CloseResource shuts down whatever the id names. Unknown ids are a
// no-op so teardown stays idempotent.
func (e *Engine) CloseResource(_ context.Context, id domain.ResourceID) error {
	e.mu.Lock()
	if c, ok := e.consumers[id]; ok {
		delete(e.consumers, id)
		e.mu.Unlock()
		e.relays.Unsubscribe(c.producerID, id)
		return nil
	}
	if _, ok := e.producers[id]; ok {
		e.closeProducerLocked(id)
		e.mu.Unlock()
		e.relays.StopRelay(id)
		return nil
	}
	if t, ok := e.transports[id]; ok {
		producers, consumers := e.closeTransportLocked(id)
		e.mu.Unlock()
		for _, c := range consumers {
			e.relays.Unsubscribe(c.producerID, c.id)
		}
		for _, pid := range producers {
			e.relays.StopRelay(pid)
		}
		t.conn.Close()
		return nil
	}
	e.mu.Unlock()
	return nil
}

// closeProducerLocked drops the producer record and any pending claim.
func (e *Engine) closeProducerLocked(pid domain.ResourceID) {
	prod := e.producers[pid]
	delete(e.producers, pid)
	if t, ok := e.transports[prod.transportID]; ok {
		waiting := t.pending[prod.kind]
		for i, waitingPID := range waiting {
			if waitingPID == pid {
				t.pending[prod.kind] = append(waiting[:i], waiting[i+1:]...)
				break
			}
		}
	}
}

type closedConsumer struct {
	id         domain.ResourceID
	producerID domain.ResourceID
}

// closeTransportLocked removes the transport and cascades over the
// producers and consumers riding on it.
func (e *Engine) closeTransportLocked(tid domain.ResourceID) ([]domain.ResourceID, []closedConsumer) {
	delete(e.transports, tid)
	var producers []domain.ResourceID
	for pid, p := range e.producers {
		if p.transportID == tid {
			producers = append(producers, pid)
			delete(e.producers, pid)
		}
	}
	var consumers []closedConsumer
	for cid, c := range e.consumers {
		if c.transportID == tid {
			consumers = append(consumers, closedConsumer{id: cid, producerID: c.producerID})
			delete(e.consumers, cid)
		}
	}
	return producers, consumers
}

// onTrack binds an incoming remote track to the oldest producer waiting
// for its kind, or parks it until one shows up.
func (e *Engine) onTrack(transportID domain.ResourceID, track *webrtc.TrackRemote) {
	kind := track.Kind().String()

	e.mu.Lock()
	t, ok := e.transports[transportID]
	if !ok {
		e.mu.Unlock()
		return
	}
	var pid domain.ResourceID
	if waiting := t.pending[kind]; len(waiting) > 0 {
		pid = waiting[0]
		t.pending[kind] = waiting[1:]
	} else {
		t.unclaimed[kind] = append(t.unclaimed[kind], track)
	}
	e.mu.Unlock()

	if pid != "" {
		e.relays.StartRelay(e.ctx, pid, track)
	} else {
		log.Info().Str("module", "rtc").Str("transport", string(transportID)).Str("kind", kind).Msg("track parked, no producer yet")
	}
}
