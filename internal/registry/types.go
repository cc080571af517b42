package registry

import "time"

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Resource 可预约的机器人/摄像头
type Resource struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	Status            Status    `json:"status"`
	ExecutionEndpoint string    `json:"execution_endpoint"`
	StreamEndpoint    string    `json:"stream_endpoint,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Usable 只有 active 的资源可以被预约或访问
func (r *Resource) Usable() bool {
	return r != nil && r.Status == StatusActive
}

type CreateParams struct {
	Name              string `json:"name" validate:"required,max=100"`
	Type              string `json:"type" validate:"required,max=50"`
	Status            Status `json:"status" validate:"omitempty,oneof=active inactive"`
	ExecutionEndpoint string `json:"execution_endpoint" validate:"required,max=512"`
	StreamEndpoint    string `json:"stream_endpoint" validate:"omitempty,max=512"`
}

// UpdateParams 为 nil 的字段保持不变
type UpdateParams struct {
	Name              *string `json:"name" validate:"omitempty,max=100"`
	Type              *string `json:"type" validate:"omitempty,max=50"`
	Status            *Status `json:"status" validate:"omitempty,oneof=active inactive"`
	ExecutionEndpoint *string `json:"execution_endpoint" validate:"omitempty,max=512"`
	StreamEndpoint    *string `json:"stream_endpoint" validate:"omitempty,max=512"`
}
