package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"robotlab/internal/clock"
	"robotlab/internal/principal"
	"robotlab/internal/validation"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Registry 资源目录。所有"可用资源"的判断都必须经过 ListActive / Usable，
// 不允许绕过直接读存储。
type Registry struct {
	store    Store
	clock    clock.Clock
	validate *validator.Validate
	logger   *slog.Logger
}

func New(store Store, clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		store:    store,
		clock:    clk,
		validate: validation.New(),
		logger:   logger.With("component", "registry"),
	}
}

func (r *Registry) Get(ctx context.Context, id string) (*Resource, error) {
	return r.store.Get(ctx, id)
}

// Resolve 返回可用资源，缺失或下线统一为 ErrResourceUnavailable
func (r *Registry) Resolve(ctx context.Context, id string) (*Resource, error) {
	res, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return nil, fmt.Errorf("%w: %s not found", ErrResourceUnavailable, id)
		}
		return nil, err
	}
	if !res.Usable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrResourceUnavailable, id, res.Status)
	}
	return res, nil
}

func (r *Registry) ListActive(ctx context.Context) ([]*Resource, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]*Resource, 0, len(all))
	for _, res := range all {
		if res.Usable() {
			active = append(active, res)
		}
	}
	return active, nil
}

func (r *Registry) ListActiveByType(ctx context.Context, typ string) ([]*Resource, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Resource, 0, len(active))
	for _, res := range active {
		if res.Type == typ {
			out = append(out, res)
		}
	}
	return out, nil
}

// List 包含 inactive 资源，仅管理员可见
func (r *Registry) List(ctx context.Context, p principal.Principal) ([]*Resource, error) {
	if err := p.RequireAdmin(); err != nil {
		return nil, err
	}
	return r.store.List(ctx)
}

func (r *Registry) Create(ctx context.Context, p principal.Principal, params CreateParams) (*Resource, error) {
	if err := p.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := validation.Struct(r.validate, &params); err != nil {
		return nil, err
	}

	status := params.Status
	if status == "" {
		status = StatusActive
	}
	now := r.clock.Now()
	res := &Resource{
		ID:                uuid.New().String(),
		Name:              params.Name,
		Type:              params.Type,
		Status:            status,
		ExecutionEndpoint: params.ExecutionEndpoint,
		StreamEndpoint:    params.StreamEndpoint,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.store.Create(ctx, res); err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	r.logger.Info("Resource created",
		"resource_id", res.ID,
		"type", res.Type,
		"status", res.Status,
		"actor", p.UserID,
	)
	return res, nil
}

func (r *Registry) Update(ctx context.Context, p principal.Principal, id string, params UpdateParams) (*Resource, error) {
	if err := p.RequireAdmin(); err != nil {
		return nil, err
	}
	if err := validation.Struct(r.validate, &params); err != nil {
		return nil, err
	}

	res, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := res.Status

	if params.Name != nil {
		res.Name = *params.Name
	}
	if params.Type != nil {
		res.Type = *params.Type
	}
	if params.Status != nil {
		res.Status = *params.Status
	}
	if params.ExecutionEndpoint != nil {
		res.ExecutionEndpoint = *params.ExecutionEndpoint
	}
	if params.StreamEndpoint != nil {
		res.StreamEndpoint = *params.StreamEndpoint
	}
	res.UpdatedAt = r.clock.Now()

	if err := r.store.Update(ctx, res); err != nil {
		return nil, fmt.Errorf("update resource: %w", err)
	}

	if prev != res.Status {
		r.logger.Info("Resource status changed",
			"resource_id", res.ID,
			"from", prev,
			"to", res.Status,
			"actor", p.UserID,
		)
	}
	return res, nil
}

func (r *Registry) Delete(ctx context.Context, p principal.Principal, id string) error {
	if err := p.RequireAdmin(); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.logger.Info("Resource deleted", "resource_id", id, "actor", p.UserID)
	return nil
}
