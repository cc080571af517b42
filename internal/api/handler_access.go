package api

import (
	"errors"
	"net/http"

	"robotlab/internal/gate"
	"robotlab/internal/registry"

	"github.com/gin-gonic/gin"
)

var ErrNoStreamEndpoint = errors.New("resource has no stream endpoint")

type AccessHandler struct {
	gate     *gate.Gate
	registry *registry.Registry
}

func NewAccessHandler(g *gate.Gate, reg *registry.Registry) *AccessHandler {
	return &AccessHandler{gate: g, registry: reg}
}

// CheckAccess GET /api/v1/access/check?resource_id=|resource_type=&action=
// 拒绝也返回 200，allow=false 并附原因，便于前端直接渲染
func (h *AccessHandler) CheckAccess(c *gin.Context) {
	var req AccessCheckRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}
	action, err := gate.ParseAction(req.Action)
	if err != nil {
		respondDomainError(c, err)
		return
	}

	target := gate.Target{ResourceID: req.ResourceID, ResourceType: req.ResourceType}
	grant, err := h.gate.AuthorizeAndOpen(c.Request.Context(), currentPrincipal(c), target, action)
	if err != nil {
		var denial *gate.Denial
		if !errors.As(err, &denial) {
			respondDomainError(c, err)
			return
		}
		c.JSON(http.StatusOK, AccessCheckResponse{
			Allow:   false,
			Reason:  string(denial.Reason),
			Message: denial.Error(),
			Windows: denial.Windows,
		})
		return
	}

	c.JSON(http.StatusOK, AccessCheckResponse{
		Allow:         true,
		ResourceID:    grant.Resource.ID,
		Endpoint:      grant.Endpoint,
		Port:          grant.Port,
		AdminOverride: grant.Bypass,
	})
}

// BridgeAuthorize GET /api/v1/bridge/authorize?resource_id=
// 仅供视频桥调用，密钥由 BridgeSecretMiddleware 校验
func (h *AccessHandler) BridgeAuthorize(c *gin.Context) {
	id := c.Query("resource_id")
	if id == "" {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, "resource_id is required")
		return
	}

	res, err := h.registry.Resolve(c.Request.Context(), id)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	if res.StreamEndpoint == "" {
		respondError(c, http.StatusNotFound, ErrNoStreamEndpoint)
		return
	}

	c.JSON(http.StatusOK, BridgeAuthorizeResponse{
		ResourceID:     res.ID,
		StreamEndpoint: res.StreamEndpoint,
	})
}
