package api

import (
	"net/http"

	"robotlab/internal/registry"

	"github.com/gin-gonic/gin"
)

type ResourceHandler struct {
	registry *registry.Registry
}

func NewResourceHandler(reg *registry.Registry) *ResourceHandler {
	return &ResourceHandler{registry: reg}
}

// ListResources GET /api/v1/resources
// 普通用户只看到 active 资源
func (h *ResourceHandler) ListResources(c *gin.Context) {
	list, err := h.registry.ListActive(c.Request.Context())
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, ResourceListResponse{Resources: nonNilResources(list)})
}

// GetResource GET /api/v1/resources/:id
func (h *ResourceHandler) GetResource(c *gin.Context) {
	res, err := h.registry.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AdminListResources GET /api/v1/admin/resources
func (h *ResourceHandler) AdminListResources(c *gin.Context) {
	list, err := h.registry.List(c.Request.Context(), currentPrincipal(c))
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, ResourceListResponse{Resources: nonNilResources(list)})
}

// CreateResource POST /api/v1/admin/resources
func (h *ResourceHandler) CreateResource(c *gin.Context) {
	var params registry.CreateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	res, err := h.registry.Create(c.Request.Context(), currentPrincipal(c), params)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// UpdateResource PUT /api/v1/admin/resources/:id
func (h *ResourceHandler) UpdateResource(c *gin.Context) {
	var params registry.UpdateParams
	if err := c.ShouldBindJSON(&params); err != nil {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}

	res, err := h.registry.Update(c.Request.Context(), currentPrincipal(c), c.Param("id"), params)
	if err != nil {
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DeleteResource DELETE /api/v1/admin/resources/:id
func (h *ResourceHandler) DeleteResource(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), currentPrincipal(c), c.Param("id")); err != nil {
		respondDomainError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func nonNilResources(list []*registry.Resource) []*registry.Resource {
	if list == nil {
		return []*registry.Resource{}
	}
	return list
}
