package api

import (
	"time"

	"robotlab/internal/booking"
	"robotlab/internal/registry"
	"robotlab/internal/session"
	"robotlab/internal/validation"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    int               `json:"code"`
	Reason  string            `json:"reason,omitempty"`
	Details string            `json:"details,omitempty"`
	Fields  validation.Errors `json:"fields,omitempty"`
	Windows []booking.Window  `json:"windows,omitempty"`
}

type BookingListResponse struct {
	Bookings []*booking.Booking `json:"bookings"`
}

type AvailabilityRequest struct {
	ResourceID   string `form:"resource_id"`
	ResourceType string `form:"resource_type"`
	Start        string `form:"start" binding:"required"`
	End          string `form:"end" binding:"required"`
}

type AvailabilityResponse struct {
	Available bool `json:"available"`
}

type SessionResponse struct {
	UserID       string `json:"user_id"`
	State        string `json:"state"`
	Port         int    `json:"port,omitempty"`
	ContainerID  string `json:"container_id,omitempty"`
	Cause        string `json:"cause,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	LastActivity string `json:"last_activity,omitempty"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type AccessCheckRequest struct {
	ResourceID   string `form:"resource_id"`
	ResourceType string `form:"resource_type"`
	Action       string `form:"action" binding:"required"`
}

type AccessCheckResponse struct {
	Allow         bool             `json:"allow"`
	ResourceID    string           `json:"resource_id,omitempty"`
	Endpoint      string           `json:"endpoint,omitempty"`
	Port          int              `json:"port,omitempty"`
	AdminOverride bool             `json:"admin_override,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Message       string           `json:"message,omitempty"`
	Windows       []booking.Window `json:"windows,omitempty"`
}

type ResourceListResponse struct {
	Resources []*registry.Resource `json:"resources"`
}

type BridgeAuthorizeResponse struct {
	ResourceID     string `json:"resource_id"`
	StreamEndpoint string `json:"stream_endpoint"`
}

// SSEEvent 是服务器发送事件的结构体
type SSEEvent struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Payload   any    `json:"payload"`
	Timestamp string `json:"timestamp"`
}

func toSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		UserID:       s.UserID,
		State:        string(s.State),
		Port:         s.Port,
		ContainerID:  s.ContainerRef,
		Cause:        s.Cause,
		StartedAt:    formatTime(s.StartedAt),
		LastActivity: formatTime(s.LastActivity),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
