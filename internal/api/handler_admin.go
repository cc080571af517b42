package api

import (
	"net/http"

	"robotlab/internal/session"

	"github.com/gin-gonic/gin"
)

// AdminSessionHandler 管理员查看和干预任意用户的工作区，不受预约限制
type AdminSessionHandler struct {
	supervisor *session.Supervisor
}

func NewAdminSessionHandler(sup *session.Supervisor) *AdminSessionHandler {
	return &AdminSessionHandler{supervisor: sup}
}

// ListSessions GET /api/v1/admin/sessions
func (h *AdminSessionHandler) ListSessions(c *gin.Context) {
	list, err := h.supervisor.AdminList(currentPrincipal(c))
	if err != nil {
		respondDomainError(c, err)
		return
	}

	resp := make([]SessionResponse, 0, len(list))
	for _, sess := range list {
		resp = append(resp, toSessionResponse(sess))
	}
	c.JSON(http.StatusOK, SessionListResponse{Sessions: resp})
}

// GetSession GET /api/v1/admin/sessions/:user_id
func (h *AdminSessionHandler) GetSession(c *gin.Context) {
	sess, err := h.supervisor.AdminStatus(currentPrincipal(c), c.Param("user_id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// StopSession POST /api/v1/admin/sessions/:user_id/stop
func (h *AdminSessionHandler) StopSession(c *gin.Context) {
	userID := c.Param("user_id")
	if err := h.supervisor.AdminStop(c.Request.Context(), currentPrincipal(c), userID); err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(h.supervisor.Status(userID)))
}

// RestartSession POST /api/v1/admin/sessions/:user_id/restart
func (h *AdminSessionHandler) RestartSession(c *gin.Context) {
	sess, err := h.supervisor.AdminRestart(c.Request.Context(), currentPrincipal(c), c.Param("user_id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(sess))
}
