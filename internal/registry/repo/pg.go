package repo

import (
	"context"
	"encoding/json"
	"errors"

	"robotlab/internal/registry"

	"github.com/go-pg/pg/v10"
	"github.com/redis/go-redis/v9"
)

var _ registry.Store = (*Repository)(nil)

// Repository 资源表，Get 走 redis 缓存，写操作使缓存失效
type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{
		db:    db,
		redis: redis,
	}
}

func (r *Repository) Create(ctx context.Context, res *registry.Resource) error {
	_, err := r.db.ModelContext(ctx, toModel(res)).Insert()
	return err
}

func (r *Repository) Get(ctx context.Context, id string) (*registry.Resource, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, resourceCacheKey(id)).Result()
		if err == nil {
			var cached ResourceModel
			if err := json.Unmarshal([]byte(val), &cached); err == nil {
				return cached.toResource(), nil
			}
		}
	}

	m := &ResourceModel{ID: id}
	if err := r.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, registry.ErrResourceNotFound
		}
		return nil, err
	}

	if r.redis != nil {
		if b, err := json.Marshal(m); err == nil {
			_ = r.redis.Set(ctx, resourceCacheKey(id), b, resourceCacheTTL).Err()
		}
	}

	return m.toResource(), nil
}

func (r *Repository) List(ctx context.Context) ([]*registry.Resource, error) {
	var models []ResourceModel
	err := r.db.ModelContext(ctx, &models).
		Order("created_at ASC", "id ASC").
		Select()
	if err != nil {
		return nil, err
	}

	out := make([]*registry.Resource, 0, len(models))
	for i := range models {
		out = append(out, models[i].toResource())
	}
	return out, nil
}

func (r *Repository) Update(ctx context.Context, res *registry.Resource) error {
	result, err := r.db.ModelContext(ctx, toModel(res)).WherePK().Update()
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return registry.ErrResourceNotFound
	}

	r.invalidate(ctx, res.ID)
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ModelContext(ctx, &ResourceModel{ID: id}).WherePK().Delete()
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return registry.ErrResourceNotFound
	}

	r.invalidate(ctx, id)
	return nil
}

// 缓存失效
func (r *Repository) invalidate(ctx context.Context, id string) {
	if r.redis != nil {
		_ = r.redis.Del(ctx, resourceCacheKey(id)).Err()
	}
}
