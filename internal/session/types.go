package session

import "time"

type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Live starting/running 的会话占用端口
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning
}

// Session 每个用户至多一个工作区会话
type Session struct {
	UserID       string    `json:"user_id"`
	ContainerRef string    `json:"container_ref,omitempty"`
	Port         int       `json:"port,omitempty"`
	State        State     `json:"state"`
	Cause        string    `json:"cause,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Config struct {
	Image         string
	PortBase      int
	PortMax       int
	IdleTimeout   time.Duration
	ProbeAttempts int
	ProbeInterval time.Duration
	StartTimeout  time.Duration
	StopTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PortBase:      3001,
		PortMax:       4000,
		IdleTimeout:   30 * time.Minute,
		ProbeAttempts: 30,
		ProbeInterval: time.Second,
		StartTimeout:  2 * time.Minute,
		StopTimeout:   30 * time.Second,
	}
}
