package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"robotlab/internal/clock"
	"robotlab/internal/eventbus"
	"robotlab/internal/keylock"
	"robotlab/internal/monitor"
	"robotlab/internal/sandbox"
)

// Supervisor 管理每个用户的工作区容器生命周期。
// 同一用户的 ensure/stop/restart/reap 通过 keyed lock 串行，
// mu 只保护 sessions 表本身，读状态不会被进行中的启动阻塞。
type Supervisor struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	locks   *keylock.Locker
	ports   *PortAllocator
	runtime sandbox.Runtime
	repo    SessionRepository
	bus     eventbus.EventBus
	clock   clock.Clock
	config  Config
	logger  *slog.Logger
}

func NewSupervisor(
	runtime sandbox.Runtime,
	repo SessionRepository,
	bus eventbus.EventBus,
	clk clock.Clock,
	cfg Config,
	logger *slog.Logger,
) (*Supervisor, error) {
	def := DefaultConfig()
	if cfg.ProbeAttempts <= 0 {
		cfg.ProbeAttempts = def.ProbeAttempts
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = def.StartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}

	ports, err := NewPortAllocator(cfg.PortBase, cfg.PortMax)
	if err != nil {
		return nil, err
	}
	if bus == nil {
		bus = eventbus.NopBus{}
	}

	return &Supervisor{
		sessions: make(map[string]*Session),
		locks:    keylock.New(),
		ports:    ports,
		runtime:  runtime,
		repo:     repo,
		bus:      bus,
		clock:    clk,
		config:   cfg,
		logger:   logger.With("component", "session-supervisor"),
	}, nil
}

// EnsureRunning 幂等：已在运行时原样返回，不会新建容器或换端口。
// 并发调用的第二个调用方会等待第一个的结果。
func (s *Supervisor) EnsureRunning(ctx context.Context, userID string) (*Session, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.ensureLocked(ctx, userID)
}

func (s *Supervisor) ensureLocked(ctx context.Context, userID string) (*Session, error) {
	if cur := s.snapshot(userID); cur != nil {
		switch cur.State {
		case StateRunning:
			return cur, nil
		case StateError:
			// 上次 stop 失败，残留容器需要先清理
			if cur.ContainerRef != "" {
				if err := s.teardownLocked(ctx, userID, "retry"); err != nil {
					return nil, &StartError{UserID: userID, Cause: err}
				}
			}
		}
	}

	t0 := time.Now()
	port, err := s.ports.Allocate(userID)
	if err != nil {
		monitor.PortCapacityExhausted.Inc()
		s.logger.Error("Port capacity exhausted",
			"user_id", userID,
			"in_use", s.ports.InUse(),
			"capacity", s.ports.Capacity(),
		)
		return nil, err
	}
	monitor.PortsInUse.Set(float64(s.ports.InUse()))

	now := s.clock.Now()
	sess := s.set(userID, func(sess *Session) {
		sess.State = StateStarting
		sess.Port = port
		sess.ContainerRef = ""
		sess.Cause = ""
		sess.StartedAt = now
		sess.LastActivity = now
	})
	s.emit(ctx, sess, eventbus.EventSessionStarting)
	s.logger.Info("Starting workspace", "user_id", userID, "port", port)

	// 调用方断开不应中断启动，否则正在等待的其他调用方会看到半启动状态
	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StartTimeout)
	defer cancel()

	ref, err := s.runtime.Start(startCtx, sandbox.StartSpec{
		UserID: userID,
		Image:  s.config.Image,
		Port:   port,
	})
	if err != nil {
		return nil, s.failStart(ctx, userID, "", err)
	}
	s.set(userID, func(sess *Session) { sess.ContainerRef = ref })

	if err := s.waitReady(startCtx, ref); err != nil {
		return nil, s.failStart(ctx, userID, ref, err)
	}

	now = s.clock.Now()
	sess = s.set(userID, func(sess *Session) {
		sess.State = StateRunning
		sess.LastActivity = now
	})
	monitor.SessionStartLatency.Observe(time.Since(t0).Seconds())
	s.emit(ctx, sess, eventbus.EventSessionRunning)

	s.logger.Info("Workspace running",
		"user_id", userID,
		"port", sess.Port,
		"container_id", sess.ContainerRef,
	)
	return sess, nil
}

// waitReady 有上限的就绪探测。容器已退出时立即失败。
func (s *Supervisor) waitReady(ctx context.Context, ref string) error {
	attempts := s.config.ProbeAttempts
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		ready, err := s.runtime.IsReady(ctx, ref)
		switch {
		case err == nil && ready:
			return nil
		case errors.Is(err, sandbox.ErrContainerExited), errors.Is(err, sandbox.ErrContainerNotFound):
			return err
		case err != nil:
			lastErr = err
		}

		if attempt == attempts {
			break
		}
		select {
		case <-s.clock.After(s.config.ProbeInterval):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrNotReady, ctx.Err())
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", ErrNotReady, attempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", ErrNotReady, attempts)
}

// failStart 清理半启动的容器并进入 error。容器删不掉时保留 ref 和端口，由 reaper 重试。
func (s *Supervisor) failStart(ctx context.Context, userID, ref string, cause error) error {
	keepRef := ""
	if ref != "" {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StopTimeout)
		err := s.runtime.Stop(stopCtx, ref)
		cancel()
		if err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
			s.logger.Error("Failed to clean up workspace after start failure",
				"user_id", userID,
				"container_id", ref,
				"error", err,
			)
			keepRef = ref
		}
	}
	if keepRef == "" {
		s.ports.Release(userID)
		monitor.PortsInUse.Set(float64(s.ports.InUse()))
	}

	sess := s.set(userID, func(sess *Session) {
		sess.State = StateError
		sess.Cause = cause.Error()
		sess.ContainerRef = keepRef
		if keepRef == "" {
			sess.Port = 0
		}
	})
	monitor.SessionStartFailures.Inc()
	s.emit(ctx, sess, eventbus.EventSessionError)

	s.logger.Error("Workspace start failed", "user_id", userID, "error", cause)
	return &StartError{UserID: userID, Cause: cause}
}

// Stop 已停止或不存在时是 no-op
func (s *Supervisor) Stop(ctx context.Context, userID string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.stopLocked(ctx, userID, "user")
}

func (s *Supervisor) stopLocked(ctx context.Context, userID, reason string) error {
	cur := s.snapshot(userID)
	if cur == nil || cur.State == StateStopped {
		return nil
	}
	return s.teardownLocked(ctx, userID, reason)
}

// teardownLocked running -> stopping -> stopped。stop 失败时记录为 error 并保留容器引用。
func (s *Supervisor) teardownLocked(ctx context.Context, userID, reason string) error {
	cur := s.set(userID, func(sess *Session) { sess.State = StateStopping })

	if cur.ContainerRef != "" {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.StopTimeout)
		err := s.runtime.Stop(stopCtx, cur.ContainerRef)
		cancel()

		if err != nil && !errors.Is(err, sandbox.ErrContainerNotFound) {
			sess := s.set(userID, func(sess *Session) {
				sess.State = StateError
				sess.Cause = fmt.Sprintf("stop failed: %v", err)
			})
			s.emit(ctx, sess, eventbus.EventSessionError)
			s.logger.Error("Failed to stop workspace",
				"user_id", userID,
				"container_id", cur.ContainerRef,
				"reason", reason,
				"error", err,
			)
			return fmt.Errorf("%w: %v", ErrStopFailed, err)
		}
	}

	s.ports.Release(userID)
	monitor.PortsInUse.Set(float64(s.ports.InUse()))

	sess := s.set(userID, func(sess *Session) {
		sess.State = StateStopped
		sess.ContainerRef = ""
		sess.Port = 0
		sess.Cause = ""
	})
	s.emit(ctx, sess, eventbus.EventSessionStopped)

	s.logger.Info("Workspace stopped", "user_id", userID, "reason", reason)
	return nil
}

// Restart stop 失败时不会继续启动，会话保持 error 并带上原因
func (s *Supervisor) Restart(ctx context.Context, userID string) (*Session, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return s.restartLocked(ctx, userID, "user")
}

func (s *Supervisor) restartLocked(ctx context.Context, userID, reason string) (*Session, error) {
	if err := s.stopLocked(ctx, userID, reason); err != nil {
		return nil, fmt.Errorf("restart: %w", err)
	}
	return s.ensureLocked(ctx, userID)
}

// Touch 刷新运行中会话的活跃时间
func (s *Supervisor) Touch(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok || sess.State != StateRunning {
		return false
	}
	sess.LastActivity = s.clock.Now()
	return true
}

// Status 没有记录时返回 absent
func (s *Supervisor) Status(userID string) *Session {
	if sess := s.snapshot(userID); sess != nil {
		return sess
	}
	return &Session{UserID: userID, State: StateAbsent}
}

func (s *Supervisor) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Supervisor) snapshot(userID string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[userID]
	if !ok {
		return nil
	}
	cp := *sess
	return &cp
}

// set 修改会话并返回副本，同时持久化
func (s *Supervisor) set(userID string, mutate func(sess *Session)) *Session {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok {
		sess = &Session{UserID: userID, State: StateAbsent}
		s.sessions[userID] = sess
	}
	mutate(sess)
	sess.UpdatedAt = s.clock.Now()
	cp := *sess

	live := 0
	for _, other := range s.sessions {
		if other.State.Live() {
			live++
		}
	}
	s.mu.Unlock()

	monitor.SessionActiveCount.Set(float64(live))
	s.persist(&cp)
	return &cp
}

func (s *Supervisor) persist(sess *Session) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.Save(ctx, sess); err != nil {
		s.logger.Warn("Failed to persist session", "user_id", sess.UserID, "state", sess.State, "error", err)
	}
}

func (s *Supervisor) emit(ctx context.Context, sess *Session, typ eventbus.EventType) {
	err := s.bus.Publish(context.WithoutCancel(ctx), sess.UserID, eventbus.Event{
		Type:      typ,
		UserID:    sess.UserID,
		Payload:   sess,
		Timestamp: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("Failed to publish session event", "user_id", sess.UserID, "type", typ, "error", err)
	}
}
