package server

import (
	"context"
	"fmt"
	"log/slog"

	bookingrepo "robotlab/internal/booking/repo"
	"robotlab/internal/config"
	registryrepo "robotlab/internal/registry/repo"
	sessionrepo "robotlab/internal/session/repo"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施。memory 存储模式下 Redis/PG 为 nil。
type Dependency struct {
	Docker     *client.Client
	Redis      *redis.Client
	PG         *pg.DB
	AsynqRedis asynq.RedisClientOpt
	Logger     *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := dockerClient.Ping(ctx); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	deps := &Dependency{Docker: dockerClient, Logger: logger}
	if cfg.Storage.Driver == config.StorageMemory {
		logger.Warn("Using in-memory storage, bookings and sessions are lost on restart")
		return deps, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
	}
	deps.Redis = redisClient

	pgDB := pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Addr,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	if _, err := pgDB.Exec("SELECT 1"); err != nil {
		redisClient.Close()
		dockerClient.Close()
		return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
	}
	deps.PG = pgDB

	if err := migrate(pgDB); err != nil {
		deps.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	deps.AsynqRedis = asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	return deps, nil
}

// migrate 迁移数据库 schema
func migrate(db *pg.DB) error {
	models := []any{
		&registryrepo.ResourceModel{},
		&bookingrepo.BookingModel{},
		&sessionrepo.SessionModel{},
	}
	for _, model := range models {
		if err := db.Model(model).CreateTable(&orm.CreateTableOptions{IfNotExists: true}); err != nil {
			return err
		}
	}
	for _, stmt := range bookingrepo.Indexes {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dependency) Close() {
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
