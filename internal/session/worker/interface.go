package worker

import (
	"context"

	"github.com/hibiken/asynq"
)

type SessionWorker interface {
	HandleReap(ctx context.Context, task *asynq.Task) error
}

// Reaper 由 session.Supervisor 实现
type Reaper interface {
	ReapIdle(ctx context.Context) int
}
