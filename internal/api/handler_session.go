package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"robotlab/internal/eventbus"
	"robotlab/internal/gate"
	"robotlab/internal/session"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	gate       *gate.Gate
	supervisor *session.Supervisor
	bus        eventbus.EventBus
}

func NewSessionHandler(g *gate.Gate, sup *session.Supervisor, bus eventbus.EventBus) *SessionHandler {
	if bus == nil {
		bus = eventbus.NopBus{}
	}
	return &SessionHandler{gate: g, supervisor: sup, bus: bus}
}

// EnsureSession POST /api/v1/session/ensure
// 当前时刻需持有预约，工作区已运行时直接返回
func (h *SessionHandler) EnsureSession(c *gin.Context) {
	sess, err := h.gate.EnsureWorkspace(c.Request.Context(), currentPrincipal(c))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// StopSession POST /api/v1/session/stop
// 停止自己的工作区不需要预约
func (h *SessionHandler) StopSession(c *gin.Context) {
	p := currentPrincipal(c)
	if err := h.supervisor.Stop(c.Request.Context(), p.UserID); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(h.supervisor.Status(p.UserID)))
}

// RestartSession POST /api/v1/session/restart
func (h *SessionHandler) RestartSession(c *gin.Context) {
	sess, err := h.gate.RestartWorkspace(c.Request.Context(), currentPrincipal(c))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// GetSession GET /api/v1/session
func (h *SessionHandler) GetSession(c *gin.Context) {
	p := currentPrincipal(c)
	c.JSON(http.StatusOK, toSessionResponse(h.supervisor.Status(p.UserID)))
}

// StreamEvents GET /api/v1/session/events
// 通过 SSE 推送调用方工作区的状态变化
func (h *SessionHandler) StreamEvents(c *gin.Context) {
	p := currentPrincipal(c)

	eventCh, err := h.bus.Subscribe(c.Request.Context(), p.UserID)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// 长连接，关闭 http.Server 的 WriteTimeout
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Warn("Failed to disable write deadline for SSE", "error", err)
	}

	// 先发一次当前状态，客户端不用再单独查询
	c.SSEvent("state", toSessionResponse(h.supervisor.Status(p.UserID)))
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			data, err := json.Marshal(SSEEvent{
				Type:      string(event.Type),
				UserID:    event.UserID,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			})
			if err != nil {
				return false
			}

			c.SSEvent("message", string(data))
			return true

		case <-c.Request.Context().Done():
			return false

		case <-time.After(30 * time.Second):
			// 心跳保持连接
			c.SSEvent("ping", "")
			return true
		}
	})
}
