package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"robotlab/internal/api"
	"robotlab/internal/booking"
	bookingrepo "robotlab/internal/booking/repo"
	"robotlab/internal/clock"
	"robotlab/internal/config"
	"robotlab/internal/eventbus"
	"robotlab/internal/gate"
	"robotlab/internal/monitor"
	"robotlab/internal/registry"
	registryrepo "robotlab/internal/registry/repo"
	"robotlab/internal/sandbox"
	"robotlab/internal/session"
	sessionrepo "robotlab/internal/session/repo"
	"robotlab/internal/session/worker"

	"github.com/hibiken/asynq"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	supervisor  *session.Supervisor
	reaper      *session.Reaper
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	scheduler   *asynq.Scheduler
	logger      *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) (*Server, error) {
	logger := deps.Logger
	clk := clock.Real()

	var (
		resourceStore registry.Store    = registry.NewMemoryStore()
		bookingStore  booking.Store     = booking.NewMemoryStore()
		bus           eventbus.EventBus = eventbus.NopBus{}
		sessionRepo   session.SessionRepository
	)
	if deps.PG != nil {
		resourceStore = registryrepo.NewRepository(deps.PG, deps.Redis)
		bookingStore = bookingrepo.NewRepository(deps.PG)
		sessionRepo = sessionrepo.NewRepository(deps.PG)
	}
	if deps.Redis != nil {
		bus = eventbus.NewRedisBus(deps.Redis, logger)
	}

	probe, err := sandbox.NewProbe(cfg.Workspace.ProbeKind, cfg.Workspace.ProbeTarget, cfg.Workspace.ProbeTimeout)
	if err != nil {
		return nil, err
	}
	runtime := sandbox.NewDockerRuntime(deps.Docker, sandbox.RuntimeConfig{
		Image:         cfg.Workspace.Image,
		HostRoot:      cfg.Workspace.HostRoot,
		MountPath:     cfg.Workspace.MountPath,
		ContainerPort: cfg.Workspace.ContainerPort,
		ProbeHost:     cfg.Workspace.ProbeHost,
		NetworkName:   cfg.Workspace.NetworkName,
		MemoryLimit:   cfg.Workspace.ContainerMem * 1024 * 1024,
		CPULimit:      cfg.Workspace.ContainerCPU,
		StopTimeout:   cfg.Workspace.StopTimeout,
	}, probe, logger)

	supervisor, err := session.NewSupervisor(runtime, sessionRepo, bus, clk, session.Config{
		Image:         cfg.Workspace.Image,
		PortBase:      cfg.Workspace.PortBase,
		PortMax:       cfg.Workspace.PortMax,
		IdleTimeout:   cfg.Reaper.IdleTimeout,
		ProbeAttempts: cfg.Workspace.ProbeAttempts,
		ProbeInterval: cfg.Workspace.ProbeInterval,
		StartTimeout:  cfg.Workspace.StartTimeout,
		StopTimeout:   cfg.Workspace.StopTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("session supervisor: %w", err)
	}

	reg := registry.New(resourceStore, clk, logger)
	ledger := booking.NewLedger(bookingStore, reg, clk, booking.Config{
		MaxDuration: cfg.Booking.MaxDuration,
		Grace:       cfg.Booking.Grace,
	}, logger)
	accessGate := gate.New(reg, ledger, supervisor, clk, gate.Config{
		WorkspaceHost: cfg.Workspace.PublicHost,
	}, logger)

	router := api.NewRouter(api.RouterDeps{
		Registry:     reg,
		Ledger:       ledger,
		Supervisor:   supervisor,
		Gate:         accessGate,
		Bus:          bus,
		Verifier:     api.NewTokenVerifier(cfg.Auth.JWTSecret),
		BridgeSecret: cfg.Auth.BridgeSecret,
		Logger:       logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s := &Server{
		cfg:        cfg,
		deps:       deps,
		httpServer: httpServer,
		supervisor: supervisor,
		logger:     logger,
	}

	if cfg.Reaper.Mode == config.ReaperQueue {
		if err := s.initQueueReaper(); err != nil {
			return nil, err
		}
	} else {
		s.reaper = session.NewReaper(supervisor, session.ReaperConfig{Interval: cfg.Reaper.Interval}, logger)
	}

	return s, nil
}

// initQueueReaper 每个实例有自己的队列，只回收本机的容器
func (s *Server) initQueueReaper() error {
	reapWorker := worker.NewSessionTaskWorker(s.supervisor, s.logger)

	s.asynqServer = asynq.NewServer(s.deps.AsynqRedis, asynq.Config{
		Concurrency: s.cfg.Reaper.Concurrency,
		Queues:      map[string]int{s.cfg.Reaper.Queue: 1},
		Logger:      newAsynqLogger(s.logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TypeSessionReap, reapWorker.HandleReap)
	s.asynqMux = mux

	s.scheduler = asynq.NewScheduler(s.deps.AsynqRedis, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   newAsynqLogger(s.logger),
	})
	task, err := worker.NewReapTask("scheduled", s.cfg.Reaper.Interval)
	if err != nil {
		return err
	}
	spec := "@every " + s.cfg.Reaper.Interval.String()
	if _, err := s.scheduler.Register(spec, task, asynq.Queue(s.cfg.Reaper.Queue)); err != nil {
		return fmt.Errorf("register reap task: %w", err)
	}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	if _, err := s.supervisor.Recover(ctx); err != nil {
		s.logger.Error("Session recovery failed", "error", err)
	}

	if s.reaper != nil {
		go s.reaper.Start()
	}
	if s.asynqServer != nil {
		go func() {
			s.logger.Info("Starting Asynq reap worker", "queue", s.cfg.Reaper.Queue)
			if err := s.asynqServer.Start(s.asynqMux); err != nil {
				s.logger.Error("Asynq worker failed", "error", err)
			}
		}()
		go func() {
			if err := s.scheduler.Start(); err != nil {
				s.logger.Error("Asynq scheduler failed", "error", err)
			}
		}()
	}

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.readinessChecks(), s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) readinessChecks() map[string]monitor.Check {
	checks := map[string]monitor.Check{
		"docker": func(ctx context.Context) error {
			_, err := s.deps.Docker.Ping(ctx)
			return err
		},
	}
	if s.deps.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return s.deps.Redis.Ping(ctx).Err()
		}
	}
	if s.deps.PG != nil {
		checks["postgres"] = func(ctx context.Context) error {
			return s.deps.PG.Ping(ctx)
		}
	}
	return checks
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.reaper != nil {
		s.reaper.Stop()
	}
	if s.scheduler != nil {
		s.scheduler.Shutdown()
	}
	if s.asynqServer != nil {
		s.asynqServer.Shutdown()
	}

	s.supervisor.StopAll(shutdownCtx)

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
