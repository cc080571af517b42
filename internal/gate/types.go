package gate

import (
	"fmt"
	"strings"

	"robotlab/internal/booking"
	"robotlab/internal/registry"
	"robotlab/internal/session"
)

type Action string

const (
	ActionIDE     Action = "ide"
	ActionExecute Action = "execute"
	ActionVideo   Action = "video"
	ActionControl Action = "control"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(s)); a {
	case ActionIDE, ActionExecute, ActionVideo, ActionControl:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// NeedsWorkspace ide/execute 需要用户的工作区容器
func (a Action) NeedsWorkspace() bool {
	return a == ActionIDE || a == ActionExecute
}

// Target 指定资源 ID 或资源类型，二选一
type Target struct {
	ResourceID   string `json:"resource_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
}

func (t Target) String() string {
	if t.ResourceID != "" {
		return t.ResourceID
	}
	return "type:" + t.ResourceType
}

type Reason string

const (
	ReasonResourceUnavailable Reason = "resource_unavailable"
	ReasonNoActiveBooking     Reason = "no_active_booking"
	ReasonSessionStartFailed  Reason = "session_start_failed"
	ReasonCapacityExhausted   Reason = "capacity_exhausted"
)

// Grant 放行结果。Port 只在需要工作区的操作上非零。
type Grant struct {
	Action   Action             `json:"action"`
	Resource *registry.Resource `json:"resource"`
	Endpoint string             `json:"endpoint"`
	Port     int                `json:"port,omitempty"`
	Booking  *booking.Booking   `json:"booking,omitempty"`
	Session  *session.Session   `json:"session,omitempty"`
	Bypass   bool               `json:"admin_override,omitempty"`
}

type Config struct {
	// WorkspaceHost 拼接 IDE 地址用，如 "lab.example.edu"
	WorkspaceHost   string
	WorkspaceScheme string
}

func DefaultConfig() Config {
	return Config{WorkspaceHost: "localhost", WorkspaceScheme: "http"}
}

func (c Config) workspaceURL(port int) string {
	return fmt.Sprintf("%s://%s:%d", c.WorkspaceScheme, c.WorkspaceHost, port)
}
