package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"robotlab/internal/monitor"
	"robotlab/internal/sandbox"
)

// ReapIdle 停止空闲超时的会话，并重试之前 stop 失败的会话。
// 拿到用户锁后重新检查，避免与用户的 ensure 交错。失败只记录日志，下次 sweep 再试。
func (s *Supervisor) ReapIdle(ctx context.Context) int {
	now := s.clock.Now()

	var candidates []string
	s.mu.RLock()
	for userID, sess := range s.sessions {
		if s.reapable(sess, now) {
			candidates = append(candidates, userID)
		}
	}
	s.mu.RUnlock()

	reaped := 0
	for _, userID := range candidates {
		if ctx.Err() != nil {
			break
		}

		unlock := s.locks.Lock(userID)
		cur := s.snapshot(userID)
		if cur == nil || !s.reapable(cur, s.clock.Now()) {
			unlock()
			continue
		}

		reason := "idle"
		if cur.State == StateError {
			reason = "retry-stop"
		}
		err := s.teardownLocked(ctx, userID, reason)
		unlock()

		if err != nil {
			s.logger.Error("Reap failed, will retry next sweep", "user_id", userID, "error", err)
			continue
		}
		reaped++
		monitor.SessionReaped.Inc()
	}

	if reaped > 0 {
		s.logger.Info("Idle reap completed", "reaped", reaped)
	}
	return reaped
}

func (s *Supervisor) reapable(sess *Session, now time.Time) bool {
	switch sess.State {
	case StateRunning:
		return now.Sub(sess.LastActivity) > s.config.IdleTimeout
	case StateError:
		return sess.ContainerRef != ""
	default:
		return false
	}
}

// Recover 启动时接管持久化的会话：容器仍就绪则重新占用端口，否则清理并标记为 stopped
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}

	persisted, err := s.repo.ListByState(ctx, []State{StateStarting, StateRunning, StateStopping, StateError})
	if err != nil {
		return 0, err
	}

	adopted := 0
	for _, p := range persisted {
		if s.adopt(ctx, p) {
			adopted++
		}
	}

	monitor.PortsInUse.Set(float64(s.ports.InUse()))
	s.logger.Info("Session recovery completed", "found", len(persisted), "adopted", adopted)
	return adopted, nil
}

func (s *Supervisor) adopt(ctx context.Context, p *Session) bool {
	unlock := s.locks.Lock(p.UserID)
	defer unlock()

	if p.ContainerRef != "" && p.State == StateRunning {
		ready, err := s.runtime.IsReady(ctx, p.ContainerRef)
		if err == nil && ready {
			err := s.ports.Reserve(p.UserID, p.Port)
			if err == nil {
				now := s.clock.Now()
				s.set(p.UserID, func(sess *Session) {
					*sess = *p
					sess.State = StateRunning
					sess.LastActivity = now
				})
				s.logger.Info("Adopted running workspace", "user_id", p.UserID, "port", p.Port)
				return true
			}
			s.logger.Warn("Cannot reserve recovered port", "user_id", p.UserID, "port", p.Port, "error", err)
		}
	}

	if p.ContainerRef != "" {
		if err := s.runtime.Stop(ctx, p.ContainerRef); err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
			s.logger.Warn("Failed to clean up unrecoverable workspace", "user_id", p.UserID, "error", err)
		}
	}
	s.set(p.UserID, func(sess *Session) {
		*sess = Session{UserID: p.UserID, State: StateStopped}
	})
	return false
}

// StopAll 平台关闭时停止所有会话
func (s *Supervisor) StopAll(ctx context.Context) {
	sessions := s.List()
	stopped := 0
	for _, sess := range sessions {
		if sess.State == StateStopped {
			continue
		}
		unlock := s.locks.Lock(sess.UserID)
		err := s.stopLocked(ctx, sess.UserID, "shutdown")
		unlock()
		if err != nil {
			s.logger.Error("Failed to stop workspace on shutdown", "user_id", sess.UserID, "error", err)
			continue
		}
		stopped++
	}
	if stopped > 0 {
		s.logger.Info("Shutdown session cleanup completed", "stopped", stopped)
	}
}

// ReaperConfig 会话清理配置
type ReaperConfig struct {
	Interval time.Duration // 清理循环间隔
}

// Reaper 定期执行 ReapIdle
type Reaper struct {
	sup    *Supervisor
	config ReaperConfig
	logger *slog.Logger
	stopCh chan struct{}
}

func NewReaper(sup *Supervisor, config ReaperConfig, logger *slog.Logger) *Reaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	return &Reaper{
		sup:    sup,
		config: config,
		logger: logger.With("component", "session-reaper"),
		stopCh: make(chan struct{}),
	}
}

// Start 启动清理循环（阻塞，应在 goroutine 中调用）
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Session reaper started",
		"interval", r.config.Interval,
		"idle_timeout", r.sup.config.IdleTimeout,
	)

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Session reaper stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.config.Interval)
			r.sup.ReapIdle(ctx)
			cancel()
		}
	}
}

// Stop 停止清理循环
func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
		// 已经关闭
	default:
		close(r.stopCh)
	}
}
