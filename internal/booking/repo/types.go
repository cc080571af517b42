package repo

import (
	"time"

	"robotlab/internal/booking"
)

type BookingModel struct {
	tableName struct{} `pg:"bookings"`

	ID           string         `pg:"id,pk"`
	UserID       string         `pg:"user_id,notnull"`
	ResourceID   string         `pg:"resource_id,notnull"`
	ResourceType string         `pg:"resource_type,notnull"`
	StartTime    time.Time      `pg:"start_time,notnull"`
	EndTime      time.Time      `pg:"end_time,notnull"`
	Status       booking.Status `pg:"status,notnull"`
	CreatedAt    time.Time      `pg:"created_at,notnull"`
	CancelledAt  *time.Time     `pg:"cancelled_at"`
	CancelledBy  string         `pg:"cancelled_by"`
}

func toModel(b *booking.Booking) *BookingModel {
	return &BookingModel{
		ID:           b.ID,
		UserID:       b.UserID,
		ResourceID:   b.ResourceID,
		ResourceType: b.ResourceType,
		StartTime:    b.StartTime,
		EndTime:      b.EndTime,
		Status:       b.Status,
		CreatedAt:    b.CreatedAt,
		CancelledAt:  b.CancelledAt,
		CancelledBy:  b.CancelledBy,
	}
}

func (m *BookingModel) toBooking() *booking.Booking {
	return &booking.Booking{
		ID:           m.ID,
		UserID:       m.UserID,
		ResourceID:   m.ResourceID,
		ResourceType: m.ResourceType,
		StartTime:    m.StartTime.UTC(),
		EndTime:      m.EndTime.UTC(),
		Status:       m.Status,
		CreatedAt:    m.CreatedAt.UTC(),
		CancelledAt:  m.CancelledAt,
		CancelledBy:  m.CancelledBy,
	}
}

func toBookings(models []BookingModel) []*booking.Booking {
	out := make([]*booking.Booking, 0, len(models))
	for i := range models {
		out = append(out, models[i].toBooking())
	}
	return out
}

// Indexes 在建表之后执行
var Indexes = []string{
	`CREATE INDEX IF NOT EXISTS bookings_resource_start_idx ON bookings (resource_id, start_time)`,
	`CREATE INDEX IF NOT EXISTS bookings_user_idx ON bookings (user_id)`,
}
