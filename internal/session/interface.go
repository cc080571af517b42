package session

import "context"

// SessionRepository 会话持久化，内存中的会话表是唯一事实来源，
// 持久化只用于重启恢复和审计。
type SessionRepository interface {
	Save(ctx context.Context, sess *Session) error
	ListByState(ctx context.Context, states []State) ([]*Session, error)
}
