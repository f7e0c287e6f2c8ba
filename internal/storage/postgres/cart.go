package postgres

import (
	"context"
	"encoding/json"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/eventkart/internal/domain/checkout"
)

const (
	insertCartSQL = `INSERT INTO carts (id, payment_reference, user_id, items, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	findCartByReferenceSQL = `SELECT id, payment_reference, COALESCE(user_id, ''), items, currency,
		completed_at, COALESCE(order_id, ''), created_at
		FROM carts WHERE payment_reference = $1`
)

var _ checkout.CartStore = (*CartRepository)(nil)

// CartRepository implements checkout.CartStore backed by PostgreSQL.
type CartRepository struct {
	db DB
}

// NewCartRepository returns a CartRepository that uses the given connection.
func NewCartRepository(db DB) *CartRepository {
	return &CartRepository{db: db}
}

// Create stores a new cart. Items are serialized to the JSONB column.
func (r *CartRepository) Create(ctx context.Context, c *checkout.Cart) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return errors.Wrap(err, "marshal cart items")
	}
	_, err = r.db.Exec(ctx, insertCartSQL,
		c.ID, c.PaymentReference, nullString(c.UserID), items, c.Currency, c.CreatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert cart %q", c.ID)
	}
	return nil
}

// FindByPaymentReference returns the cart created for a payment.
func (r *CartRepository) FindByPaymentReference(ctx context.Context, reference string) (*checkout.Cart, error) {
	var (
		c     checkout.Cart
		items []byte
	)
	err := r.db.QueryRow(ctx, findCartByReferenceSQL, reference).Scan(
		&c.ID, &c.PaymentReference, &c.UserID, &items, &c.Currency,
		&c.CompletedAt, &c.OrderID, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkout.ErrCartNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find cart %q", reference)
	}
	if err := json.Unmarshal(items, &c.Items); err != nil {
		return nil, errors.Wrap(err, "unmarshal cart items")
	}
	return &c, nil
}
