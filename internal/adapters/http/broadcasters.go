// REST surface for engine-driven participants ("broadcasters"): the
// same orchestrator operations as the websocket protocol, exposed as
// resource-oriented endpoints. A broadcaster is an ordinary session
// whose signal sink discards notifications.
package http

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dkeye/stage/internal/app/orch"
	"github.com/dkeye/stage/internal/core"
	"github.com/dkeye/stage/internal/domain"
)

// restConn satisfies core.SignalConnection for sessions that have no
// push channel.
type restConn struct{}

func (restConn) TrySend(core.Frame) error { return nil }
func (restConn) Close()                   {}

func registerBroadcasterRoutes(api *gin.RouterGroup, o *orch.Orchestrator) {
	// The room path segment is kept for interface compatibility; this
	// process hosts exactly one room.
	g := api.Group("/rooms/:room/broadcasters")

	g.POST("", func(c *gin.Context) {
		var body struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
		}
		_ = c.ShouldBindJSON(&body)
		if body.DisplayName == "" {
			body.DisplayName = "broadcaster"
		}
		user, err := domain.NewUser(body.DisplayName)
		if err != nil {
			abortWith(c, core.E(core.CodeInvalidRequest, "bad display name: %v", err))
			return
		}
		sid := domain.SessionID(body.ID)
		if sid == "" {
			sid = domain.SessionID(user.ID)
		}
		if err := o.Connect(sid, user, restConn{}); err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": sid})
	})

	g.DELETE("/:bid", func(c *gin.Context) {
		o.Disconnect(c.Request.Context(), domain.SessionID(c.Param("bid")))
		c.Status(http.StatusNoContent)
	})

	g.POST("/:bid/transports", func(c *gin.Context) {
		info, err := o.CreateTransport(c.Request.Context(), domain.SessionID(c.Param("bid")))
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusCreated, info)
	})

	g.POST("/:bid/transports/:tid/connect", func(c *gin.Context) {
		var body struct {
			Params json.RawMessage `json:"params"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			abortWith(c, core.E(core.CodeInvalidRequest, "bad connect body"))
			return
		}
		sid := domain.SessionID(c.Param("bid"))
		tid := domain.ResourceID(c.Param("tid"))
		if err := o.ConnectTransport(c.Request.Context(), sid, tid, body.Params); err != nil {
			abortWith(c, err)
			return
		}
		c.Status(http.StatusOK)
	})

	g.POST("/:bid/transports/:tid/producers", func(c *gin.Context) {
		var body struct {
			Kind          string          `json:"kind"`
			RTPParameters json.RawMessage `json:"rtpParameters"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.Kind == "" {
			abortWith(c, core.E(core.CodeInvalidRequest, "bad producer body"))
			return
		}
		sid := domain.SessionID(c.Param("bid"))
		tid := domain.ResourceID(c.Param("tid"))
		pid, err := o.Produce(c.Request.Context(), sid, tid, body.Kind, body.RTPParameters)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": pid})
	})

	g.POST("/:bid/producers/:pid/finish", func(c *gin.Context) {
		sid := domain.SessionID(c.Param("bid"))
		pid := domain.ResourceID(c.Param("pid"))
		if err := o.ProduceFinish(sid, pid); err != nil {
			abortWith(c, err)
			return
		}
		c.Status(http.StatusOK)
	})

	g.DELETE("/:bid/producers/:pid", func(c *gin.Context) {
		sid := domain.SessionID(c.Param("bid"))
		pid := domain.ResourceID(c.Param("pid"))
		if err := o.DeleteProduce(c.Request.Context(), sid, pid); err != nil {
			abortWith(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	g.POST("/:bid/transports/:tid/consume", func(c *gin.Context) {
		var body struct {
			ProducerID      domain.ResourceID `json:"producerId"`
			RTPCapabilities json.RawMessage   `json:"rtpCapabilities"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.ProducerID == "" {
			abortWith(c, core.E(core.CodeInvalidRequest, "bad consume body"))
			return
		}
		sid := domain.SessionID(c.Param("bid"))
		tid := domain.ResourceID(c.Param("tid"))
		info, err := o.Consume(c.Request.Context(), sid, tid, body.ProducerID, body.RTPCapabilities)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusCreated, info)
	})
}

func abortWith(c *gin.Context, err error) {
	code := core.CodeOf(err)
	c.JSON(httpStatus(code), gin.H{"error": gin.H{"code": code, "message": err.Error()}})
}

func httpStatus(code core.Code) int {
	switch code {
	case core.CodeDuplicateSession:
		return http.StatusConflict
	case core.CodeUnknownSession, core.CodeResourceNotFound:
		return http.StatusNotFound
	case core.CodeProducerUnavailable, core.CodePresenterBusy, core.CodeNotPresenter, core.CodeSessionClosed:
		return http.StatusConflict
	case core.CodeInvalidRequest, core.CodeEngineRejected:
		return http.StatusBadRequest
	case core.CodeEngineUnavailable:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
