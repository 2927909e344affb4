package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

// fakeEngine hands out sequential ids and records every close, so
// tests can assert teardown order and orphan handling.
type fakeEngine struct {
	mu     sync.Mutex
	seq    int
	closed []domain.ResourceID

	produceErr error
	consumeErr error
}

func (f *fakeEngine) newID(prefix string) domain.ResourceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return domain.ResourceID(fmt.Sprintf("%s-%d", prefix, f.seq))
}

func (f *fakeEngine) Capabilities(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"codecs":[]}`), nil
}

func (f *fakeEngine) CreateTransport(context.Context) (core.TransportInfo, error) {
	return core.TransportInfo{ID: f.newID("t"), Params: json.RawMessage(`{"sdp":"offer"}`)}, nil
}

func (f *fakeEngine) ConnectTransport(context.Context, domain.ResourceID, json.RawMessage) error {
	return nil
}

func (f *fakeEngine) Produce(context.Context, domain.ResourceID, string, json.RawMessage) (domain.ResourceID, error) {
	if f.produceErr != nil {
		return "", f.produceErr
	}
	return f.newID("p"), nil
}

func (f *fakeEngine) Consume(_ context.Context, _ domain.ResourceID, pid domain.ResourceID, _ json.RawMessage) (core.ConsumerInfo, error) {
	if f.consumeErr != nil {
		return core.ConsumerInfo{}, f.consumeErr
	}
	return core.ConsumerInfo{ID: f.newID("c"), ProducerID: pid, Kind: "audio"}, nil
}

func (f *fakeEngine) CloseResource(_ context.Context, id domain.ResourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func (f *fakeEngine) closedIDs() []domain.ResourceID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ResourceID, len(f.closed))
	copy(out, f.closed)
	return out
}

// captureConn records every frame the orchestrator pushes.
type captureConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (c *captureConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("closed")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *captureConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

type rawNotice struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *captureConn) notices(t *testing.T) []rawNotice {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rawNotice, 0, len(c.frames))
	for _, f := range c.frames {
		var n rawNotice
		require.NoError(t, json.Unmarshal(f, &n))
		out = append(out, n)
	}
	return out
}

func (c *captureConn) lastOfType(t *testing.T, typ string) (json.RawMessage, bool) {
	t.Helper()
	var data json.RawMessage
	found := false
	for _, n := range c.notices(t) {
		if n.Type == typ {
			data = n.Data
			found = true
		}
	}
	return data, found
}

func (c *captureConn) hasType(t *testing.T, typ string) bool {
	t.Helper()
	_, ok := c.lastOfType(t, typ)
	return ok
}

func (c *captureConn) lastRoster(t *testing.T) []domain.RosterEntry {
	t.Helper()
	data, ok := c.lastOfType(t, "users")
	require.True(t, ok, "no roster broadcast seen")
	var entries []domain.RosterEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	return entries
}

func connect(t *testing.T, o *Orchestrator, sid domain.SessionID) *captureConn {
	t.Helper()
	conn := &captureConn{}
	require.NoError(t, o.Connect(sid, &domain.User{ID: domain.UserID(sid), Username: "guest"}, conn))
	require.NoError(t, o.Ready(sid))
	return conn
}

func TestProducerTwoPhaseAvailability(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	o := New(eng)

	connA := connect(t, o, "A")
	connect(t, o, "B")

	ta, err := o.CreateTransport(ctx, "A")
	require.NoError(t, err)
	pid, err := o.Produce(ctx, "A", ta.ID, "audio", nil)
	require.NoError(t, err)

	// Not advertised before the explicit finish.
	for _, entry := range o.Roster() {
		assert.Empty(t, entry.AvailableProducerIDs)
	}

	tb, err := o.CreateTransport(ctx, "B")
	require.NoError(t, err)
	_, err = o.Consume(ctx, "B", tb.ID, pid, nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeProducerUnavailable, core.CodeOf(err))

	require.NoError(t, o.ProduceFinish("A", pid))
	roster := connA.lastRoster(t)
	require.Len(t, roster, 2)
	assert.Equal(t, []domain.ResourceID{pid}, roster[0].AvailableProducerIDs)

	info, err := o.Consume(ctx, "B", tb.ID, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, pid, info.ProducerID)
}

func TestProduceFinishWrongOwner(t *testing.T) {
	ctx := context.Background()
	o := New(&fakeEngine{})
	connect(t, o, "A")
	connect(t, o, "B")

	ta, err := o.CreateTransport(ctx, "A")
	require.NoError(t, err)
	pid, err := o.Produce(ctx, "A", ta.ID, "audio", nil)
	require.NoError(t, err)

	err = o.ProduceFinish("B", pid)
	assert.Equal(t, core.CodeResourceNotFound, core.CodeOf(err))
}

func TestConsumeUnknownProducerNoMutation(t *testing.T) {
	ctx := context.Background()
	o := New(&fakeEngine{})
	connect(t, o, "A")

	ta, err := o.CreateTransport(ctx, "A")
	require.NoError(t, err)

	storeBefore := o.Store.Len()
	_, err = o.Consume(ctx, "A", ta.ID, "never-created", nil)
	require.Error(t, err)
	assert.Equal(t, core.CodeResourceNotFound, core.CodeOf(err))
	assert.Equal(t, storeBefore, o.Store.Len(), "failed consume must not mutate state")
}

func TestDeleteProduceIdempotent(t *testing.T) {
	ctx := context.Background()
	o := New(&fakeEngine{})
	connect(t, o, "A")

	ta, err := o.CreateTransport(ctx, "A")
	require.NoError(t, err)
	pid, err := o.Produce(ctx, "A", ta.ID, "audio", nil)
	require.NoError(t, err)
	require.NoError(t, o.ProduceFinish("A", pid))

	require.NoError(t, o.DeleteProduce(ctx, "A", pid))

	err = o.DeleteProduce(ctx, "A", pid)
	require.Error(t, err)
	assert.Equal(t, core.CodeResourceNotFound, core.CodeOf(err))

	for _, entry := range o.Roster() {
		assert.Empty(t, entry.AvailableProducerIDs)
	}
}

func TestDisconnectTearsDownEverything(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	o := New(eng)

	connect(t, o, "A")
	connB := connect(t, o, "B")

	ta, err := o.CreateTransport(ctx, "A")
	require.NoError(t, err)
	pid, err := o.Produce(ctx, "A", ta.ID, "audio", nil)
	require.NoError(t, err)
	require.NoError(t, o.ProduceFinish("A", pid))

	tb, err := o.CreateTransport(ctx, "B")
	require.NoError(t, err)
	cinfo, err := o.Consume(ctx, "B", tb.ID, pid, nil)
	require.NoError(t, err)

	o.Disconnect(ctx, "A")

	assert.False(t, o.Registry.Has("A"))
	_, ok := o.Store.Get(ta.ID)
	assert.False(t, ok)
	_, ok = o.Store.Get(pid)
	assert.False(t, ok)

	// B's resources survive.
	_, ok = o.Store.Get(tb.ID)
	assert.True(t, ok)
	_, ok = o.Store.Get(cinfo.ID)
	assert.True(t, ok)

	// Producer closed before its transport engine-side.
	closed := eng.closedIDs()
	require.Contains(t, closed, pid)
	require.Contains(t, closed, ta.ID)
	pidIdx, tidIdx := -1, -1
	for i, id := range closed {
		if id == pid {
			pidIdx = i
		}
		if id == ta.ID {
			tidIdx = i
		}
	}
	assert.Less(t, pidIdx, tidIdx)

	roster := connB.lastRoster(t)
	require.Len(t, roster, 1)
	assert.Equal(t, domain.SessionID("B"), roster[0].ID)
}

func TestRosterAvailabilityFiltering(t *testing.T) {
	ctx := context.Background()
	o := New(&fakeEngine{})

	connA := connect(t, o, "A")
	connect(t, o, "B")
	connect(t, o, "C")

	ta, err := o.CreateTransport(ctx, "A")
	require.NoError(t, err)
	p1, err := o.Produce(ctx, "A", ta.ID, "audio", nil)
	require.NoError(t, err)
	_, err = o.Produce(ctx, "A", ta.ID, "video", nil)
	require.NoError(t, err)

	require.NoError(t, o.ProduceFinish("A", p1))

	roster := connA.lastRoster(t)
	require.Len(t, roster, 3)
	assert.Equal(t, domain.SessionID("A"), roster[0].ID)
	assert.Equal(t, []domain.ResourceID{p1}, roster[0].AvailableProducerIDs,
		"only the finished producer is advertised")
	assert.Empty(t, roster[1].AvailableProducerIDs)
	assert.Empty(t, roster[2].AvailableProducerIDs)
}

func TestPresenterScenario(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	o := New(eng)

	connect(t, o, "A")

	_, err := o.PresenterClaim(ctx, "A")
	require.NoError(t, err)
	ppid, err := o.PresenterProduce(ctx, "A", "video", nil)
	require.NoError(t, err)

	// B joins afterwards and learns about the presenter without asking.
	connB := connect(t, o, "B")
	data, ok := connB.lastOfType(t, "newPresenter")
	require.True(t, ok, "late joiner must be told about the active presenter")
	var pn struct {
		ID domain.SessionID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &pn))
	assert.Equal(t, domain.SessionID("A"), pn.ID)

	// The slot is busy for everyone else.
	_, err = o.PresenterClaim(ctx, "B")
	assert.Equal(t, core.CodePresenterBusy, core.CodeOf(err))

	// B subscribes to the feed.
	_, err = o.CreatePresenterRecvTransport(ctx, "B")
	require.NoError(t, err)
	cinfo, err := o.ConsumePresenter(ctx, "B", nil)
	require.NoError(t, err)
	assert.Equal(t, ppid, cinfo.ProducerID)

	// Presenter disconnects: B sees the exit and a presenter-free roster.
	o.Disconnect(ctx, "A")

	assert.True(t, connB.hasType(t, "presenterExit"))
	for _, entry := range connB.lastRoster(t) {
		assert.False(t, entry.IsPresenter)
	}
	_, ok2 := o.Presenter.Current()
	assert.False(t, ok2)
}

func TestPresenterReleaseByNonOwner(t *testing.T) {
	ctx := context.Background()
	o := New(&fakeEngine{})
	connect(t, o, "A")
	connect(t, o, "B")

	_, err := o.PresenterClaim(ctx, "A")
	require.NoError(t, err)

	err = o.PresenterRelease(ctx, "B")
	assert.Equal(t, core.CodeNotPresenter, core.CodeOf(err))

	view, ok := o.Presenter.Current()
	require.True(t, ok)
	assert.Equal(t, domain.SessionID("A"), view.SID)
}

func TestPresenterExplicitRelease(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	o := New(eng)
	connA := connect(t, o, "A")

	tinfo, err := o.PresenterClaim(ctx, "A")
	require.NoError(t, err)
	ppid, err := o.PresenterProduce(ctx, "A", "video", nil)
	require.NoError(t, err)

	require.NoError(t, o.PresenterRelease(ctx, "A"))

	assert.True(t, connA.hasType(t, "presenterExit"))
	_, ok := o.Presenter.Current()
	assert.False(t, ok)
	_, ok = o.Store.Get(ppid)
	assert.False(t, ok)
	_, ok = o.Store.Get(tinfo.ID)
	assert.False(t, ok)
	assert.Contains(t, eng.closedIDs(), ppid)
	assert.Contains(t, eng.closedIDs(), tinfo.ID)

	// Slot is free again.
	_, err = o.PresenterClaim(ctx, "A")
	require.NoError(t, err)
}

func TestConsumePresenterWithoutPresenter(t *testing.T) {
	ctx := context.Background()
	o := New(&fakeEngine{})
	connect(t, o, "A")

	_, err := o.CreatePresenterRecvTransport(ctx, "A")
	require.NoError(t, err)

	_, err = o.ConsumePresenter(ctx, "A", nil)
	assert.Equal(t, core.CodeResourceNotFound, core.CodeOf(err))
}

func TestMessageFanout(t *testing.T) {
	o := New(&fakeEngine{})
	connA := connect(t, o, "A")
	connB := connect(t, o, "B")

	require.NoError(t, o.Message("A", "hello"))

	for _, conn := range []*captureConn{connA, connB} {
		data, ok := conn.lastOfType(t, "message")
		require.True(t, ok)
		var m struct {
			ID       domain.SessionID `json:"id"`
			Username string           `json:"username"`
			Text     string           `json:"text"`
		}
		require.NoError(t, json.Unmarshal(data, &m))
		assert.Equal(t, domain.SessionID("A"), m.ID)
		assert.Equal(t, "guest", m.Username)
		assert.Equal(t, "hello", m.Text)
	}
}

func TestCreateTransportUnknownSession(t *testing.T) {
	o := New(&fakeEngine{})
	_, err := o.CreateTransport(context.Background(), "ghost")
	assert.Equal(t, core.CodeUnknownSession, core.CodeOf(err))
}

func TestConnectTransportUnknownID(t *testing.T) {
	o := New(&fakeEngine{})
	connect(t, o, "A")
	err := o.ConnectTransport(context.Background(), "A", "missing", nil)
	assert.Equal(t, core.CodeResourceNotFound, core.CodeOf(err))
}

func TestEngineFailureSurfacesToCaller(t *testing.T) {
	ctx := context.Background()
	eng := &fakeEngine{}
	o := New(eng)
	connect(t, o, "A")

	ta, err := o.CreateTransport(ctx, "A")
	require.NoError(t, err)

	eng.produceErr = core.E(core.CodeEngineRejected, "bad rtp parameters")
	_, err = o.Produce(ctx, "A", ta.ID, "audio", nil)
	assert.Equal(t, core.CodeEngineRejected, core.CodeOf(err))

	eng.produceErr = fmt.Errorf("connection refused")
	_, err = o.Produce(ctx, "A", ta.ID, "audio", nil)
	assert.Equal(t, core.CodeEngineUnavailable, core.CodeOf(err), "untyped engine errors are transient")
}
