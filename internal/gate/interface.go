package gate

import (
	"context"
	"time"

	"robotlab/internal/booking"
	"robotlab/internal/principal"
	"robotlab/internal/registry"
	"robotlab/internal/session"
)

// Resources 由 registry.Registry 实现
type Resources interface {
	Resolve(ctx context.Context, id string) (*registry.Resource, error)
	ListActiveByType(ctx context.Context, typ string) ([]*registry.Resource, error)
}

// Ledger 由 booking.Ledger 实现
type Ledger interface {
	Authorize(ctx context.Context, p principal.Principal, resourceID string, at time.Time) (*booking.Authorization, error)
	ListForUser(ctx context.Context, userID string) ([]*booking.Booking, error)
}

// Sessions 由 session.Supervisor 实现
type Sessions interface {
	EnsureRunning(ctx context.Context, userID string) (*session.Session, error)
	Restart(ctx context.Context, userID string) (*session.Session, error)
	Touch(userID string) bool
}
