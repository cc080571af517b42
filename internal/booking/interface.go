package booking

import (
	"context"
	"time"

	"robotlab/internal/registry"
)

// Store 预约存储。WithResourceLock 保证同一资源的"检查冲突 + 插入"串行执行。
type Store interface {
	WithResourceLock(ctx context.Context, resourceID string, fn func(ctx context.Context, tx Tx) error) error
	Get(ctx context.Context, id string) (*Booking, error)
	ListByUser(ctx context.Context, userID string) ([]*Booking, error)
	ListAll(ctx context.Context) ([]*Booking, error)
	// ListLiveByResource 返回未取消的预约
	ListLiveByResource(ctx context.Context, resourceID string) ([]*Booking, error)
	Cancel(ctx context.Context, id, cancelledBy string, at time.Time) error
}

// Tx 在资源锁内可用的操作
type Tx interface {
	ListLive(ctx context.Context, resourceID string) ([]*Booking, error)
	Insert(ctx context.Context, b *Booking) error
}

// ResourceResolver 由 registry.Registry 实现
type ResourceResolver interface {
	Resolve(ctx context.Context, id string) (*registry.Resource, error)
	ListActiveByType(ctx context.Context, typ string) ([]*registry.Resource, error)
}
