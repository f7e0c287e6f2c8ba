package checkout

import (
	"context"
	"time"

	"github.com/xenking/eventkart/internal/domain/order"
	"github.com/xenking/eventkart/internal/domain/payment"
)

// Tx is the set of writes performed atomically when a payment becomes an
// order. Implementations must report conflicts on the payment reference as
// payment.ErrDuplicateReference.
type Tx interface {
	// CreateOrder inserts the order with its lines.
	CreateOrder(ctx context.Context, o *order.Order) error
	// CreateTransaction inserts a transaction already linked to an order.
	CreateTransaction(ctx context.Context, t *payment.Transaction) error
	// AttachTransaction links an order to an existing transaction that has
	// none yet. It returns false when another order won the link.
	AttachTransaction(ctx context.Context, reference, orderID string, at time.Time) (bool, error)
	// CompleteCart marks the cart completed unless it already is.
	CompleteCart(ctx context.Context, cartID, orderID string, at time.Time) (bool, error)
}

// Store is the transaction ledger and the unit of work for materialization.
type Store interface {
	TransactionByReference(ctx context.Context, reference string) (*payment.Transaction, error)
	// RecordTransaction inserts the transaction or refreshes the status of
	// the existing one, and returns the stored row.
	RecordTransaction(ctx context.Context, t *payment.Transaction) (*payment.Transaction, error)
	// InTx runs fn in a database transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
