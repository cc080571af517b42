package repo

import (
	"context"

	"robotlab/internal/session"

	"github.com/go-pg/pg/v10"
)

var _ session.SessionRepository = (*Repository)(nil)

type Repository struct {
	db *pg.DB
}

func NewRepository(db *pg.DB) *Repository {
	return &Repository{db: db}
}

// Save 按 user_id upsert
func (r *Repository) Save(ctx context.Context, sess *session.Session) error {
	_, err := r.db.ModelContext(ctx, toModel(sess)).
		OnConflict("(user_id) DO UPDATE").
		Insert()
	return err
}

func (r *Repository) ListByState(ctx context.Context, states []session.State) ([]*session.Session, error) {
	var models []SessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("state IN (?)", pg.In(states)).
		Order("updated_at DESC").
		Select()
	if err != nil {
		return nil, err
	}

	sessions := make([]*session.Session, 0, len(models))
	for i := range models {
		sessions = append(sessions, models[i].toSession())
	}
	return sessions, nil
}
