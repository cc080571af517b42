package session

import (
	"context"

	"robotlab/internal/principal"
)

// 管理员操作与用户操作走同一状态机，但日志中单独记录操作者

func (s *Supervisor) AdminStop(ctx context.Context, actor principal.Principal, userID string) error {
	if err := actor.RequireAdmin(); err != nil {
		return err
	}
	s.auditAdmin(actor, userID, "stop")

	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.stopLocked(ctx, userID, "admin:"+actor.UserID)
}

func (s *Supervisor) AdminRestart(ctx context.Context, actor principal.Principal, userID string) (*Session, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	s.auditAdmin(actor, userID, "restart")

	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.restartLocked(ctx, userID, "admin:"+actor.UserID)
}

func (s *Supervisor) AdminStatus(actor principal.Principal, userID string) (*Session, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	s.auditAdmin(actor, userID, "status")
	return s.Status(userID), nil
}

func (s *Supervisor) AdminList(actor principal.Principal) ([]*Session, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.List(), nil
}

func (s *Supervisor) auditAdmin(actor principal.Principal, userID, action string) {
	s.logger.Info("Admin session override",
		"actor", actor.UserID,
		"target_user", userID,
		"action", action,
		"admin_override", true,
	)
}
