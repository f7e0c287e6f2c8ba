package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/eventkart/internal/domain/checkout"
	"github.com/xenking/eventkart/internal/domain/order"
	"github.com/xenking/eventkart/internal/domain/payment"
)

const (
	transactionColumns = `id, payment_reference, COALESCE(order_id, ''), amount, currency, status,
		provider, created_at, updated_at`

	getTransactionByReferenceSQL = `SELECT ` + transactionColumns + `
		FROM transactions WHERE payment_reference = $1`

	// Refreshes the provider state of unlinked rows only; a linked row is
	// returned by the follow-up select unchanged.
	recordTransactionSQL = `INSERT INTO transactions
		(id, payment_reference, amount, currency, status, provider, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (payment_reference) DO UPDATE
		SET status = EXCLUDED.status, amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		WHERE transactions.order_id IS NULL
		RETURNING ` + transactionColumns

	insertTransactionSQL = `INSERT INTO transactions
		(id, payment_reference, order_id, amount, currency, status, provider, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	attachTransactionSQL = `UPDATE transactions SET order_id = $2, updated_at = $3
		WHERE payment_reference = $1 AND order_id IS NULL`

	completeCartSQL = `UPDATE carts SET completed_at = $3, order_id = $2
		WHERE id = $1 AND completed_at IS NULL`
)

var _ checkout.Store = (*CheckoutStore)(nil)

// CheckoutStore implements the transaction ledger and the materialization
// unit of work. Conflicts on the unique payment reference of orders and
// transactions surface as payment.ErrDuplicateReference and roll back the
// whole unit.
type CheckoutStore struct {
	db DB
}

// NewCheckoutStore returns a CheckoutStore that uses the given connection.
func NewCheckoutStore(db DB) *CheckoutStore {
	return &CheckoutStore{db: db}
}

// TransactionByReference returns the transaction of a payment.
func (s *CheckoutStore) TransactionByReference(ctx context.Context, reference string) (*payment.Transaction, error) {
	rows, err := s.db.Query(ctx, getTransactionByReferenceSQL, reference)
	if err != nil {
		return nil, errors.Wrapf(err, "get transaction %q", reference)
	}
	t, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payment.ErrTransactionNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get transaction %q", reference)
	}
	return t, nil
}

// RecordTransaction upserts the provider state of a payment.
func (s *CheckoutStore) RecordTransaction(ctx context.Context, t *payment.Transaction) (*payment.Transaction, error) {
	rows, err := s.db.Query(ctx, recordTransactionSQL,
		t.ID, t.PaymentReference, t.Amount, t.Currency, string(t.Status), t.Provider, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrapf(err, "record transaction %q", t.PaymentReference)
	}
	stored, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.TransactionByReference(ctx, t.PaymentReference)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "record transaction %q", t.PaymentReference)
	}
	return stored, nil
}

// InTx runs fn in a database transaction.
func (s *CheckoutStore) InTx(ctx context.Context, fn func(tx checkout.Tx) error) error {
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&checkoutTx{db: tx})
	})
}

type checkoutTx struct {
	db DB
}

func (tx *checkoutTx) CreateOrder(ctx context.Context, o *order.Order) error {
	return insertOrder(ctx, tx.db, o)
}

func (tx *checkoutTx) CreateTransaction(ctx context.Context, t *payment.Transaction) error {
	_, err := tx.db.Exec(ctx, insertTransactionSQL,
		t.ID, t.PaymentReference, nullString(t.OrderID), t.Amount, t.Currency, string(t.Status), t.Provider,
		t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return payment.ErrDuplicateReference
	}
	if err != nil {
		return errors.Wrapf(err, "insert transaction %q", t.PaymentReference)
	}
	return nil
}

func (tx *checkoutTx) AttachTransaction(ctx context.Context, reference, orderID string, at time.Time) (bool, error) {
	tag, err := tx.db.Exec(ctx, attachTransactionSQL, reference, orderID, at)
	if err != nil {
		return false, errors.Wrapf(err, "attach transaction %q", reference)
	}
	return tag.RowsAffected() == 1, nil
}

func (tx *checkoutTx) CompleteCart(ctx context.Context, cartID, orderID string, at time.Time) (bool, error) {
	tag, err := tx.db.Exec(ctx, completeCartSQL, cartID, orderID, at)
	if err != nil {
		return false, errors.Wrapf(err, "complete cart %q", cartID)
	}
	return tag.RowsAffected() == 1, nil
}

func scanTransaction(row pgx.CollectableRow) (*payment.Transaction, error) {
	var (
		t      payment.Transaction
		status string
	)
	err := row.Scan(
		&t.ID, &t.PaymentReference, &t.OrderID, &t.Amount, &t.Currency, &status,
		&t.Provider, &t.CreatedAt, &t.UpdatedAt,
	)
	t.Status = payment.State(status)
	return &t, err
}
