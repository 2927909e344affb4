package app

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

// presenterRecv is the per-session sub-state for watching the presenter
// feed: the receive transport and the consumer riding on it. The ids
// also live in the session's plain resource lists; these fields only
// make the pair addressable.
type presenterRecv struct {
	TransportID domain.ResourceID
	ConsumerID  domain.ResourceID
}

type sessionEntry struct {
	user   *domain.User
	signal core.SignalConnection
	seq    uint64 // join order, drives roster ordering

	transportIDs []domain.ResourceID
	producerIDs  []domain.ResourceID // creation order; first one is the primary
	consumerIDs  []domain.ResourceID

	recv presenterRecv
}

// Registry holds one record per connected participant and the
// back-references from that participant to its engine resources.
// Mutation happens only from handlers processing that session's own
// requests; the lock makes cross-session reads (roster, fan-out) safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionEntry
	nextSeq  uint64
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*sessionEntry),
	}
}

func (r *Registry) Create(sid domain.SessionID, user *domain.User, signal core.SignalConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sid]; ok {
		return core.E(core.CodeDuplicateSession, "session %s already registered", sid)
	}
	r.nextSeq++
	r.sessions[sid] = &sessionEntry{user: user, signal: signal, seq: r.nextSeq}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("session created")
	return nil
}

func (r *Registry) Has(sid domain.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sid]
	return ok
}

func (r *Registry) User(sid domain.SessionID) (*domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	return e.user, true
}

func (r *Registry) Signal(sid domain.SessionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.signal == nil {
		return nil, false
	}
	return e.signal, true
}

// AddResource appends a back-reference to the session's list for the
// given kind. Ownership of the record stays with the ResourceStore.
func (r *Registry) AddResource(sid domain.SessionID, id domain.ResourceID, kind domain.ResourceKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return core.E(core.CodeUnknownSession, "session %s not registered", sid)
	}
	switch kind {
	case domain.KindTransport:
		e.transportIDs = append(e.transportIDs, id)
	case domain.KindProducer:
		e.producerIDs = append(e.producerIDs, id)
	case domain.KindConsumer:
		e.consumerIDs = append(e.consumerIDs, id)
	}
	return nil
}

// RemoveResource drops a back-reference. Removing an id the session
// does not hold is a no-op.
func (r *Registry) RemoveResource(sid domain.SessionID, id domain.ResourceID, kind domain.ResourceKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return
	}
	drop := func(ids []domain.ResourceID) []domain.ResourceID {
		if i := slices.Index(ids, id); i >= 0 {
			return slices.Delete(ids, i, i+1)
		}
		return ids
	}
	switch kind {
	case domain.KindTransport:
		e.transportIDs = drop(e.transportIDs)
	case domain.KindProducer:
		e.producerIDs = drop(e.producerIDs)
	case domain.KindConsumer:
		e.consumerIDs = drop(e.consumerIDs)
	}
}

func (r *Registry) SetPresenterRecvTransport(sid domain.SessionID, id domain.ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok {
		e.recv.TransportID = id
	}
}

func (r *Registry) SetPresenterRecvConsumer(sid domain.SessionID, id domain.ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok {
		e.recv.ConsumerID = id
	}
}

func (r *Registry) PresenterRecvTransport(sid domain.SessionID) (domain.ResourceID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.recv.TransportID == "" {
		return "", false
	}
	return e.recv.TransportID, true
}

// ResourceRef pairs an id with its kind for teardown.
type ResourceRef struct {
	ID   domain.ResourceID
	Kind domain.ResourceKind
}

// RemoveAll empties the session's resource lists and returns the ids in
// reverse dependency order: consumers first, then producers, then
// transports. A transport may not be closed while producers or
// consumers still reference it engine-side.
func (r *Registry) RemoveAll(sid domain.SessionID) []ResourceRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil
	}
	refs := make([]ResourceRef, 0, len(e.consumerIDs)+len(e.producerIDs)+len(e.transportIDs))
	for _, id := range e.consumerIDs {
		refs = append(refs, ResourceRef{ID: id, Kind: domain.KindConsumer})
	}
	for _, id := range e.producerIDs {
		refs = append(refs, ResourceRef{ID: id, Kind: domain.KindProducer})
	}
	for _, id := range e.transportIDs {
		refs = append(refs, ResourceRef{ID: id, Kind: domain.KindTransport})
	}
	e.consumerIDs = nil
	e.producerIDs = nil
	e.transportIDs = nil
	e.recv = presenterRecv{}
	return refs
}

// Destroy removes the session record. Callers run RemoveAll first so no
// resource back-reference outlives its session.
func (r *Registry) Destroy(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("session destroyed")
}

// SessionSnapshot is a read-only projection used by the roster.
type SessionSnapshot struct {
	SID         domain.SessionID
	ProducerIDs []domain.ResourceID
}

// Snapshot returns all sessions in join order with copies of their
// producer lists.
func (r *Registry) Snapshot() []SessionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type seqSnap struct {
		seq  uint64
		snap SessionSnapshot
	}
	out := make([]seqSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		out = append(out, seqSnap{
			seq: e.seq,
			snap: SessionSnapshot{
				SID:         sid,
				ProducerIDs: slices.Clone(e.producerIDs),
			},
		})
	}
	slices.SortFunc(out, func(a, b seqSnap) int {
		if a.seq < b.seq {
			return -1
		}
		return 1
	})
	snaps := make([]SessionSnapshot, len(out))
	for i, s := range out {
		snaps[i] = s.snap
	}
	return snaps
}

// SignalRef pairs a session with its live signal connection.
type SignalRef struct {
	SID  domain.SessionID
	Conn core.SignalConnection
}

// Signals returns every session that has a signal connection attached.
func (r *Registry) Signals() []SignalRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SignalRef, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.signal != nil {
			out = append(out, SignalRef{SID: sid, Conn: e.signal})
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
