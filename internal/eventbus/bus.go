package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

var _ EventBus = (*RedisBus)(nil)

type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger.With("component", "eventbus")}
}

func (b *RedisBus) Publish(ctx context.Context, userID string, event Event) error {
	if event.UserID == "" {
		event.UserID = userID
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return b.client.Publish(ctx, SessionChannelKey(userID), data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, userID string) (<-chan Event, error) {
	pubSub := b.client.Subscribe(ctx, SessionChannelKey(userID))
	// 等待订阅确认，避免订阅前发布的事件丢失
	if _, err := pubSub.Receive(ctx); err != nil {
		pubSub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	ch := make(chan Event)

	go func() {
		<-ctx.Done()
		if err := pubSub.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			b.logger.Error("failed to close pubsub", "error", err)
		}
	}()

	go func() {
		defer close(ch)

		for msg := range pubSub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Error("failed to unmarshal event", "error", err)
				continue
			}
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

var _ EventBus = NopBus{}

// NopBus 未配置 redis 时使用
type NopBus struct{}

func (NopBus) Publish(context.Context, string, Event) error { return nil }

func (NopBus) Subscribe(ctx context.Context, _ string) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
