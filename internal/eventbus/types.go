package eventbus

import "time"

type EventType string

const (
	EventSessionStarting EventType = "session.starting"
	EventSessionRunning  EventType = "session.running"
	EventSessionStopped  EventType = "session.stopped"
	EventSessionError    EventType = "session.error"
)

type Event struct {
	Type      EventType `json:"type"`
	UserID    string    `json:"user_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func SessionChannelKey(userID string) string {
	return "session:" + userID + ":events"
}
