package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"robotlab/internal/clock"
	"robotlab/internal/monitor"
	"robotlab/internal/principal"
	"robotlab/internal/registry"
	"robotlab/internal/validation"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Ledger 预约账本：校验、冲突检测、授权判定与取消
type Ledger struct {
	store     Store
	resources ResourceResolver
	clock     clock.Clock
	config    Config
	validate  *validator.Validate
	logger    *slog.Logger
}

func NewLedger(store Store, resources ResourceResolver, clk clock.Clock, cfg Config, logger *slog.Logger) *Ledger {
	def := DefaultConfig()
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}

	return &Ledger{
		store:     store,
		resources: resources,
		clock:     clk,
		config:    cfg,
		validate:  validation.New(),
		logger:    logger.With("component", "ledger"),
	}
}

// Create 创建预约。只给了类型时按创建顺序挑第一个空闲的 active 资源；
// 所有候选都冲突时返回第一个冲突的 OverlapError。
func (l *Ledger) Create(ctx context.Context, p principal.Principal, req CreateRequest) (*Booking, error) {
	if err := validation.Struct(l.validate, &req); err != nil {
		return nil, err
	}

	w := Window{Start: req.StartTime.UTC(), End: req.EndTime.UTC()}
	if err := l.checkWindow(w); err != nil {
		return nil, err
	}

	candidates, err := l.candidates(ctx, req.ResourceID, req.ResourceType)
	if err != nil {
		return nil, err
	}

	var firstOverlap *OverlapError
	for _, res := range candidates {
		b := &Booking{
			ID:           uuid.New().String(),
			UserID:       p.UserID,
			ResourceID:   res.ID,
			ResourceType: res.Type,
			StartTime:    w.Start,
			EndTime:      w.End,
			Status:       StatusActive,
			CreatedAt:    l.clock.Now(),
		}

		err := l.insert(ctx, b)
		if err == nil {
			monitor.BookingsCreated.Inc()
			l.logger.Info("Booking created",
				"booking_id", b.ID,
				"user_id", b.UserID,
				"resource_id", b.ResourceID,
				"start", b.StartTime,
				"end", b.EndTime,
			)
			return b, nil
		}

		var overlap *OverlapError
		if !errors.As(err, &overlap) {
			return nil, err
		}
		if firstOverlap == nil {
			firstOverlap = overlap
		}
	}

	monitor.BookingConflicts.Inc()
	l.logger.Info("Booking rejected: overlap",
		"user_id", p.UserID,
		"resource_id", firstOverlap.ResourceID,
		"requested", w.String(),
		"conflict", firstOverlap.Conflict.String(),
	)
	return nil, firstOverlap
}

func (l *Ledger) insert(ctx context.Context, b *Booking) error {
	return l.store.WithResourceLock(ctx, b.ResourceID, func(ctx context.Context, tx Tx) error {
		live, err := tx.ListLive(ctx, b.ResourceID)
		if err != nil {
			return fmt.Errorf("list bookings: %w", err)
		}
		for _, existing := range live {
			if existing.Window().Overlaps(b.Window()) {
				return &OverlapError{
					ResourceID: b.ResourceID,
					BookingID:  existing.ID,
					Conflict:   existing.Window(),
				}
			}
		}
		return tx.Insert(ctx, b)
	})
}

func (l *Ledger) checkWindow(w Window) error {
	if !w.End.After(w.Start) {
		return validation.Field("end_time", "must be after start_time")
	}
	if w.Duration() > l.config.MaxDuration {
		return validation.Field("end_time", fmt.Sprintf("booking cannot exceed %s", l.config.MaxDuration))
	}
	if w.Start.Before(l.clock.Now().Add(-l.config.Grace)) {
		return validation.Field("start_time", "must not be in the past")
	}
	return nil
}

func (l *Ledger) candidates(ctx context.Context, resourceID, resourceType string) ([]*registry.Resource, error) {
	if resourceID != "" {
		res, err := l.resources.Resolve(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		if resourceType != "" && res.Type != resourceType {
			return nil, validation.Field("resource_type", fmt.Sprintf("resource %s is a %s", res.ID, res.Type))
		}
		return []*registry.Resource{res}, nil
	}

	list, err := l.resources.ListActiveByType(ctx, resourceType)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no active resource of type %s", registry.ErrResourceUnavailable, resourceType)
	}
	return list, nil
}

// Authorize 判断 at 时刻调用方是否持有覆盖 resourceID 的预约。
// resourceID 为空表示任意资源。管理员直接放行并记录日志。
func (l *Ledger) Authorize(ctx context.Context, p principal.Principal, resourceID string, at time.Time) (*Authorization, error) {
	if p.IsAdmin() {
		l.logger.Info("Admin booking bypass",
			"actor", p.UserID,
			"resource_id", resourceID,
			"admin_override", true,
		)
		return &Authorization{Allowed: true, Bypass: true}, nil
	}

	var mine []*Booking
	if resourceID != "" {
		live, err := l.store.ListLiveByResource(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		for _, b := range live {
			if b.UserID == p.UserID {
				mine = append(mine, b)
			}
		}
	} else {
		all, err := l.store.ListByUser(ctx, p.UserID)
		if err != nil {
			return nil, err
		}
		for _, b := range all {
			if b.Live() {
				mine = append(mine, b)
			}
		}
	}

	sort.Slice(mine, func(i, j int) bool { return mine[i].StartTime.Before(mine[j].StartTime) })

	for _, b := range mine {
		if b.Window().Contains(at) {
			return &Authorization{Allowed: true, Booking: b}, nil
		}
	}
	return &Authorization{Windows: nearbyWindows(mine, at)}, nil
}

// IsAuthorized 是 Authorize 的布尔形式
func (l *Ledger) IsAuthorized(ctx context.Context, p principal.Principal, resourceID string, at time.Time) (bool, error) {
	auth, err := l.Authorize(ctx, p, resourceID, at)
	if err != nil {
		return false, err
	}
	return auth.Allowed, nil
}

// nearbyWindows 返回尚未结束的时段；都已结束时返回最近一个
func nearbyWindows(sorted []*Booking, at time.Time) []Window {
	var upcoming []Window
	var last *Booking
	for _, b := range sorted {
		if b.EndTime.After(at) {
			upcoming = append(upcoming, b.Window())
		} else {
			last = b
		}
	}
	if len(upcoming) == 0 && last != nil {
		return []Window{last.Window()}
	}
	return upcoming
}

// Cancel 幂等：已取消的预约直接返回
func (l *Ledger) Cancel(ctx context.Context, p principal.Principal, id string) (*Booking, error) {
	b, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID != p.UserID && !p.IsAdmin() {
		return nil, ErrNotOwner
	}

	now := l.clock.Now()
	switch b.EffectiveStatus(now) {
	case StatusCancelled:
		return b, nil
	case StatusCompleted:
		return nil, ErrBookingCompleted
	}

	if err := l.store.Cancel(ctx, id, p.UserID, now); err != nil {
		return nil, fmt.Errorf("cancel booking: %w", err)
	}
	b.Status = StatusCancelled
	b.CancelledAt = &now
	b.CancelledBy = p.UserID

	l.logger.Info("Booking cancelled",
		"booking_id", b.ID,
		"owner", b.UserID,
		"actor", p.UserID,
		"admin_override", b.UserID != p.UserID,
	)
	return b, nil
}

func (l *Ledger) Get(ctx context.Context, p principal.Principal, id string) (*Booking, error) {
	b, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.UserID != p.UserID && !p.IsAdmin() {
		return nil, ErrNotOwner
	}
	b.Status = b.EffectiveStatus(l.clock.Now())
	return b, nil
}

// ListForUser 返回的 Status 为读取时推导的状态
func (l *Ledger) ListForUser(ctx context.Context, userID string) ([]*Booking, error) {
	list, err := l.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return l.derive(list), nil
}

func (l *Ledger) ListAll(ctx context.Context, p principal.Principal) ([]*Booking, error) {
	if err := p.RequireAdmin(); err != nil {
		return nil, err
	}
	list, err := l.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return l.derive(list), nil
}

func (l *Ledger) derive(list []*Booking) []*Booking {
	now := l.clock.Now()
	for _, b := range list {
		b.Status = b.EffectiveStatus(now)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	return list
}

// Available 任一候选资源在该时段空闲即返回 true
func (l *Ledger) Available(ctx context.Context, q AvailabilityQuery) (bool, error) {
	if err := validation.Struct(l.validate, &q); err != nil {
		return false, err
	}
	w := Window{Start: q.StartTime.UTC(), End: q.EndTime.UTC()}
	if !w.End.After(w.Start) {
		return false, validation.Field("end_time", "must be after start_time")
	}

	candidates, err := l.candidates(ctx, q.ResourceID, q.ResourceType)
	if err != nil {
		return false, err
	}

	for _, res := range candidates {
		live, err := l.store.ListLiveByResource(ctx, res.ID)
		if err != nil {
			return false, err
		}
		free := true
		for _, b := range live {
			if b.Window().Overlaps(w) {
				free = false
				break
			}
		}
		if free {
			return true, nil
		}
	}
	return false, nil
}
