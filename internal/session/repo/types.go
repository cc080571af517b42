package repo

import (
	"time"

	"robotlab/internal/session"
)

type SessionModel struct {
	tableName struct{} `pg:"workspace_sessions"`

	UserID       string        `json:"user_id" pg:"user_id,pk"`
	ContainerRef string        `json:"container_ref" pg:"container_ref"`
	Port         int           `json:"port" pg:"port,use_zero"`
	State        session.State `json:"state" pg:"state,notnull"`
	Cause        string        `json:"cause" pg:"cause"`
	StartedAt    time.Time     `json:"started_at" pg:"started_at"`
	LastActivity time.Time     `json:"last_activity" pg:"last_activity"`
	UpdatedAt    time.Time     `json:"updated_at" pg:"updated_at,notnull"`
}

func toModel(s *session.Session) *SessionModel {
	return &SessionModel{
		UserID:       s.UserID,
		ContainerRef: s.ContainerRef,
		Port:         s.Port,
		State:        s.State,
		Cause:        s.Cause,
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity,
		UpdatedAt:    s.UpdatedAt,
	}
}

func (m *SessionModel) toSession() *session.Session {
	return &session.Session{
		UserID:       m.UserID,
		ContainerRef: m.ContainerRef,
		Port:         m.Port,
		State:        m.State,
		Cause:        m.Cause,
		StartedAt:    m.StartedAt.UTC(),
		LastActivity: m.LastActivity.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}
