package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/eventkart/internal/domain/registration"
)

const getRegistrationSQL = `SELECT id, event_id, user_id, created_at FROM registrations WHERE id = $1`

var _ registration.Repository = (*RegistrationRepository)(nil)

// RegistrationRepository implements registration.Repository backed by PostgreSQL.
type RegistrationRepository struct {
	db DB
}

// NewRegistrationRepository returns a RegistrationRepository that uses the given connection.
func NewRegistrationRepository(db DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// Get returns a registration by id.
func (r *RegistrationRepository) Get(ctx context.Context, id string) (*registration.Registration, error) {
	var reg registration.Registration
	err := r.db.QueryRow(ctx, getRegistrationSQL, id).Scan(&reg.ID, &reg.EventID, &reg.UserID, &reg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, registration.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get registration %q", id)
	}
	return &reg, nil
}
