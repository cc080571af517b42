package repo

import (
	"time"

	"robotlab/internal/registry"
)

const resourceCacheTTL = time.Minute * 5

type ResourceModel struct {
	tableName struct{} `pg:"resources"`

	ID                string          `json:"id" pg:"id,pk"`
	Name              string          `json:"name" pg:"name,notnull"`
	Type              string          `json:"type" pg:"type,notnull"`
	Status            registry.Status `json:"status" pg:"status,notnull"`
	ExecutionEndpoint string          `json:"execution_endpoint" pg:"execution_endpoint,notnull"`
	StreamEndpoint    string          `json:"stream_endpoint" pg:"stream_endpoint"`
	CreatedAt         time.Time       `json:"created_at" pg:"created_at,notnull"`
	UpdatedAt         time.Time       `json:"updated_at" pg:"updated_at,notnull"`
}

func toModel(r *registry.Resource) *ResourceModel {
	return &ResourceModel{
		ID:                r.ID,
		Name:              r.Name,
		Type:              r.Type,
		Status:            r.Status,
		ExecutionEndpoint: r.ExecutionEndpoint,
		StreamEndpoint:    r.StreamEndpoint,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func (m *ResourceModel) toResource() *registry.Resource {
	return &registry.Resource{
		ID:                m.ID,
		Name:              m.Name,
		Type:              m.Type,
		Status:            m.Status,
		ExecutionEndpoint: m.ExecutionEndpoint,
		StreamEndpoint:    m.StreamEndpoint,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func resourceCacheKey(id string) string {
	return "resource:" + id
}
