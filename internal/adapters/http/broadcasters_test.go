package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/stage/internal/app/orch"
	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

type stubEngine struct {
	mu  sync.Mutex
	seq int
}

func (s *stubEngine) nextID(prefix string) domain.ResourceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return domain.ResourceID(fmt.Sprintf("%s-%d", prefix, s.seq))
}

func (s *stubEngine) Capabilities(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (s *stubEngine) CreateTransport(context.Context) (core.TransportInfo, error) {
	return core.TransportInfo{ID: s.nextID("t"), Params: json.RawMessage(`{}`)}, nil
}

func (s *stubEngine) ConnectTransport(context.Context, domain.ResourceID, json.RawMessage) error {
	return nil
}

func (s *stubEngine) Produce(context.Context, domain.ResourceID, string, json.RawMessage) (domain.ResourceID, error) {
	return s.nextID("p"), nil
}

func (s *stubEngine) Consume(_ context.Context, _ domain.ResourceID, pid domain.ResourceID, _ json.RawMessage) (core.ConsumerInfo, error) {
	return core.ConsumerInfo{ID: s.nextID("c"), ProducerID: pid, Kind: "audio"}, nil
}

func (s *stubEngine) CloseResource(context.Context, domain.ResourceID) error { return nil }

func newBroadcasterRouter() (*gin.Engine, *orch.Orchestrator) {
	gin.SetMode(gin.TestMode)
	o := orch.New(&stubEngine{})
	r := gin.New()
	registerBroadcasterRoutes(r.Group("/api"), o)
	return r, o
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBroadcasterLifecycle(t *testing.T) {
	r, o := newBroadcasterRouter()

	w := doJSON(t, r, http.MethodPost, "/api/rooms/main/broadcasters", gin.H{"id": "bc1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.True(t, o.Registry.Has("bc1"))

	// Same id again conflicts.
	w = doJSON(t, r, http.MethodPost, "/api/rooms/main/broadcasters", gin.H{"id": "bc1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/rooms/main/broadcasters/bc1/transports", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var tinfo core.TransportInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tinfo))
	require.NotEmpty(t, tinfo.ID)

	w = doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/api/rooms/main/broadcasters/bc1/transports/%s/connect", tinfo.ID),
		gin.H{"params": gin.H{}})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/api/rooms/main/broadcasters/bc1/transports/%s/producers", tinfo.ID),
		gin.H{"kind": "audio", "rtpParameters": gin.H{}})
	require.Equal(t, http.StatusCreated, w.Code)
	var pres struct {
		ID domain.ResourceID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pres))

	w = doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/api/rooms/main/broadcasters/bc1/producers/%s/finish", pres.ID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	roster := o.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, []domain.ResourceID{pres.ID}, roster[0].AvailableProducerIDs)

	w = doJSON(t, r, http.MethodDelete, "/api/rooms/main/broadcasters/bc1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, o.Registry.Has("bc1"))
	assert.Equal(t, 0, o.Store.Len())
}

func TestBroadcasterDisplayName(t *testing.T) {
	r, o := newBroadcasterRouter()

	w := doJSON(t, r, http.MethodPost, "/api/rooms/main/broadcasters",
		gin.H{"id": "bc1", "displayName": "camera-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	user, ok := o.Registry.User("bc1")
	require.True(t, ok)
	assert.Equal(t, "camera-1", user.Username)

	w = doJSON(t, r, http.MethodPost, "/api/rooms/main/broadcasters",
		gin.H{"displayName": strings.Repeat("x", domain.MaxUsernameLen+1)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBroadcasterMintedID(t *testing.T) {
	r, o := newBroadcasterRouter()

	w := doJSON(t, r, http.MethodPost, "/api/rooms/main/broadcasters", gin.H{})
	require.Equal(t, http.StatusCreated, w.Code)
	var body struct {
		ID domain.SessionID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.ID)
	assert.True(t, o.Registry.Has(body.ID))

	user, ok := o.Registry.User(body.ID)
	require.True(t, ok)
	assert.Equal(t, "broadcaster", user.Username)
}

func TestBroadcasterUnknownSessionIs404(t *testing.T) {
	r, _ := newBroadcasterRouter()

	w := doJSON(t, r, http.MethodPost, "/api/rooms/main/broadcasters/ghost/transports", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body struct {
		Error struct {
			Code core.Code `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, core.CodeUnknownSession, body.Error.Code)
}

func TestBroadcasterConsumeUnavailableIs409(t *testing.T) {
	r, o := newBroadcasterRouter()
	ctx := context.Background()

	require.NoError(t, o.Connect("pub", &domain.User{ID: "pub"}, restConn{}))
	require.NoError(t, o.Connect("sub", &domain.User{ID: "sub"}, restConn{}))

	tpub, err := o.CreateTransport(ctx, "pub")
	require.NoError(t, err)
	pid, err := o.Produce(ctx, "pub", tpub.ID, "audio", nil)
	require.NoError(t, err)

	tsub, err := o.CreateTransport(ctx, "sub")
	require.NoError(t, err)

	// Publish not finished yet.
	w := doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/api/rooms/main/broadcasters/sub/transports/%s/consume", tsub.ID),
		gin.H{"producerId": pid})
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, o.ProduceFinish("pub", pid))
	w = doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/api/rooms/main/broadcasters/sub/transports/%s/consume", tsub.ID),
		gin.H{"producerId": pid})
	require.Equal(t, http.StatusCreated, w.Code)
	var cinfo core.ConsumerInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cinfo))
	assert.Equal(t, pid, cinfo.ProducerID)
}

func TestBroadcasterBadBodyIs400(t *testing.T) {
	r, o := newBroadcasterRouter()
	require.NoError(t, o.Connect("bc1", &domain.User{ID: "bc1"}, restConn{}))
	ctx := context.Background()
	tinfo, err := o.CreateTransport(ctx, "bc1")
	require.NoError(t, err)

	w := doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/api/rooms/main/broadcasters/bc1/transports/%s/producers", tinfo.ID),
		gin.H{"rtpParameters": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
