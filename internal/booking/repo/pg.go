package repo

import (
	"context"
	"errors"
	"time"

	"robotlab/internal/booking"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
)

var _ booking.Store = (*Repository)(nil)

type Repository struct {
	db *pg.DB
}

func NewRepository(db *pg.DB) *Repository {
	return &Repository{db: db}
}

// WithResourceLock 在事务内持有资源级 advisory lock，
// 多实例部署时同一资源的检查+插入依然串行。
func (r *Repository) WithResourceLock(ctx context.Context, resourceID string, fn func(ctx context.Context, tx booking.Tx) error) error {
	return r.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", resourceID); err != nil {
			return err
		}
		return fn(ctx, &pgTx{tx: tx})
	})
}

type pgTx struct {
	tx *pg.Tx
}

func (t *pgTx) ListLive(ctx context.Context, resourceID string) ([]*booking.Booking, error) {
	var models []BookingModel
	if err := liveQuery(t.tx.ModelContext(ctx, &models), resourceID).Select(); err != nil {
		return nil, err
	}
	return toBookings(models), nil
}

func (t *pgTx) Insert(ctx context.Context, b *booking.Booking) error {
	_, err := t.tx.ModelContext(ctx, toModel(b)).Insert()
	return err
}

func liveQuery(q *orm.Query, resourceID string) *orm.Query {
	return q.Where("resource_id = ?", resourceID).
		Where("status <> ?", booking.StatusCancelled).
		Order("start_time ASC")
}

func (r *Repository) Get(ctx context.Context, id string) (*booking.Booking, error) {
	m := &BookingModel{ID: id}
	if err := r.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, booking.ErrBookingNotFound
		}
		return nil, err
	}
	return m.toBooking(), nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]*booking.Booking, error) {
	var models []BookingModel
	err := r.db.ModelContext(ctx, &models).
		Where("user_id = ?", userID).
		Order("start_time ASC").
		Select()
	if err != nil {
		return nil, err
	}
	return toBookings(models), nil
}

func (r *Repository) ListAll(ctx context.Context) ([]*booking.Booking, error) {
	var models []BookingModel
	if err := r.db.ModelContext(ctx, &models).Order("start_time ASC").Select(); err != nil {
		return nil, err
	}
	return toBookings(models), nil
}

func (r *Repository) ListLiveByResource(ctx context.Context, resourceID string) ([]*booking.Booking, error) {
	var models []BookingModel
	if err := liveQuery(r.db.ModelContext(ctx, &models), resourceID).Select(); err != nil {
		return nil, err
	}
	return toBookings(models), nil
}

func (r *Repository) Cancel(ctx context.Context, id, cancelledBy string, at time.Time) error {
	result, err := r.db.ModelContext(ctx, &BookingModel{}).
		Set("status = ?", booking.StatusCancelled).
		Set("cancelled_at = ?", at).
		Set("cancelled_by = ?", cancelledBy).
		Where("id = ?", id).
		Where("status <> ?", booking.StatusCancelled).
		Update()
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		// 已取消或不存在
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
