package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/app/orch"
	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Controller owns the websocket side of the signaling protocol: one
// connection per session, requests dispatched in arrival order, plus
// the unsolicited notifications the orchestrator fans out.
type Controller struct {
	Orch       *orch.Orchestrator
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewController(o *orch.Orchestrator, readLimit int64, pingPeriod time.Duration) *Controller {
	return &Controller{Orch: o, ReadLimit: readLimit, PingPeriod: pingPeriod}
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// userForToken builds the connection's user identity. The cookie token
// names the user; the optional requested name is validated and falls
// back to the default when it is empty or too long.
func userForToken(token, name string) *domain.User {
	user := &domain.User{ID: domain.UserID(token), Username: "guest"}
	if name == "" {
		return user
	}
	if err := user.SetUsername(name); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("invalid username, keeping default")
	}
	return user
}

// HandleSignal upgrades the connection, registers a fresh session and
// runs the pumps. The session id is minted per connection; the cookie
// token only names the user behind it.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	sid := domain.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	user := userForToken(token, c.Query("username"))
	if err := ctl.Orch.Connect(sid, user, conn); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("register session")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
