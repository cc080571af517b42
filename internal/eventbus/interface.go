package eventbus

import "context"

type EventBus interface {
	Publish(ctx context.Context, userID string, event Event) error
	// Subscribe 返回的 channel 在 ctx 结束后关闭
	Subscribe(ctx context.Context, userID string) (<-chan Event, error)
}
