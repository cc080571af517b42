package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const TypeSessionReap = "session:reap"

var _ SessionWorker = (*SessionTaskWorker)(nil)

type ReapPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewReapTask 定时 sweep 使用的任务。Unique 防止同一窗口内重复入队。
func NewReapTask(reason string, interval time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(ReapPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{asynq.MaxRetry(0)}
	if interval > 0 {
		opts = append(opts, asynq.Unique(interval), asynq.Timeout(interval))
	}
	return asynq.NewTask(TypeSessionReap, data, opts...), nil
}

type SessionTaskWorker struct {
	reaper Reaper
	logger *slog.Logger
}

func NewSessionTaskWorker(reaper Reaper, logger *slog.Logger) *SessionTaskWorker {
	return &SessionTaskWorker{
		reaper: reaper,
		logger: logger.With("component", "session-worker"),
	}
}

func (w *SessionTaskWorker) HandleReap(ctx context.Context, task *asynq.Task) error {
	var payload ReapPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			w.logger.Error("Failed to unmarshal payload", "error", err)
			return fmt.Errorf("json unmarshal error: %w: %w", err, asynq.SkipRetry)
		}
	}

	reaped := w.reaper.ReapIdle(ctx)
	w.logger.Debug("Processed reap task", "reason", payload.Reason, "reaped", reaped)
	return nil
}
