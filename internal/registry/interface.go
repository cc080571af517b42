package registry

import "context"

type Store interface {
	Create(ctx context.Context, res *Resource) error
	// Get 不存在时返回 ErrResourceNotFound
	Get(ctx context.Context, id string) (*Resource, error)
	// List 按创建时间升序
	List(ctx context.Context) ([]*Resource, error)
	Update(ctx context.Context, res *Resource) error
	Delete(ctx context.Context, id string) error
}
