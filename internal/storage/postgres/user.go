package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/eventkart/internal/domain/user"
)

const (
	userColumns = `id, email, email_verified, name, phone, address, created_at`

	getUserSQL = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	findUserByEmailSQL = `SELECT ` + userColumns + ` FROM users WHERE email = lower($1)`

	insertUserSQL = `INSERT INTO users (id, email, email_verified, name, phone, address, created_at)
		VALUES ($1, lower($2), $3, $4, $5, $6, $7)`
)

var _ user.Repository = (*UserRepository)(nil)

// UserRepository implements user.Repository backed by PostgreSQL.
type UserRepository struct {
	db DB
}

// NewUserRepository returns a UserRepository that uses the given connection.
func NewUserRepository(db DB) *UserRepository {
	return &UserRepository{db: db}
}

// Get returns a user by id.
func (r *UserRepository) Get(ctx context.Context, id string) (*user.User, error) {
	return r.one(ctx, getUserSQL, id)
}

// FindByEmail returns the user owning the email, compared case-insensitively.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*user.User, error) {
	return r.one(ctx, findUserByEmailSQL, email)
}

// Create inserts a user. A taken email is reported as user.ErrEmailTaken.
func (r *UserRepository) Create(ctx context.Context, u *user.User) error {
	var address []byte
	if u.Address != nil {
		var err error
		if address, err = json.Marshal(u.Address); err != nil {
			return errors.Wrap(err, "marshal address")
		}
	}
	_, err := r.db.Exec(ctx, insertUserSQL,
		u.ID, u.Email, u.EmailVerified, u.Name, u.Phone, address, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return user.ErrEmailTaken
	}
	if err != nil {
		return errors.Wrapf(err, "insert user %q", u.ID)
	}
	return nil
}

func (r *UserRepository) one(ctx context.Context, sql string, arg string) (*user.User, error) {
	var (
		u       user.User
		address []byte
	)
	err := r.db.QueryRow(ctx, sql, arg).Scan(
		&u.ID, &u.Email, &u.EmailVerified, &u.Name, &u.Phone, &address, &u.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, user.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	if len(address) > 0 {
		u.Address = new(user.Address)
		if err := json.Unmarshal(address, u.Address); err != nil {
			return nil, errors.Wrap(err, "unmarshal address")
		}
	}
	return &u, nil
}
