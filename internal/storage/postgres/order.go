package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/eventkart/internal/domain/order"
	"github.com/xenking/eventkart/internal/domain/payment"
)

const (
	orderColumns = `id, COALESCE(registration_id, ''), COALESCE(user_id, ''), status, currency,
		invoice_ref, COALESCE(payment_reference, ''), payment_method, comments, created_at, updated_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listOrdersByRegistrationSQL = `SELECT ` + orderColumns + `
		FROM orders WHERE registration_id = $1 ORDER BY created_at, id`

	listOrderLinesSQL = `SELECT id, order_id, product_id, variant_id, product_name, variant_name,
		quantity, price, vat_percent, COALESCE(correction_of, ''), COALESCE(correction_of_order_id, '')
		FROM order_lines WHERE order_id = ANY($1) ORDER BY order_id, position`

	insertOrderSQL = `INSERT INTO orders (id, registration_id, user_id, status, currency, invoice_ref,
		payment_reference, payment_method, comments, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	insertOrderLineSQL = `INSERT INTO order_lines (id, order_id, position, product_id, variant_id,
		product_name, variant_name, quantity, price, vat_percent, correction_of, correction_of_order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	deleteOrderLinesSQL = `DELETE FROM order_lines WHERE order_id = $1`

	touchOrderSQL = `UPDATE orders SET updated_at = $2 WHERE id = $1`

	lockOrderStatusSQL = `SELECT status FROM orders WHERE id = $1 FOR UPDATE`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	updateOrderSQL = `UPDATE orders SET status = $2, comments = $3, payment_method = $4, invoice_ref = $5,
		updated_at = $6 WHERE id = $1 AND status = $7`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db DB
}

// NewOrderRepository returns an OrderRepository that uses the given connection.
func NewOrderRepository(db DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Get returns an order with its lines.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.db.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get order %q", id)
	}
	if err := r.loadLines(ctx, []*order.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

// ListByRegistration returns all orders of a registration, oldest first.
func (r *OrderRepository) ListByRegistration(ctx context.Context, registrationID string) ([]*order.Order, error) {
	rows, err := r.db.Query(ctx, listOrdersByRegistrationSQL, registrationID)
	if err != nil {
		return nil, errors.Wrapf(err, "list orders of registration %q", registrationID)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, errors.Wrapf(err, "list orders of registration %q", registrationID)
	}
	if err := r.loadLines(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// Create inserts the order and its lines in one transaction. A conflicting
// payment reference is reported as payment.ErrDuplicateReference.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		return insertOrder(ctx, tx, o)
	})
}

// ReplaceLines swaps the full line set of the order. The row is locked first
// and order.ErrStatusChanged is returned unless it still has the status read
// into o and that status is editable.
func (r *OrderRepository) ReplaceLines(ctx context.Context, o *order.Order) error {
	return inTx(ctx, r.db, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, lockOrderStatusSQL, o.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return order.ErrNotFound
		}
		if err != nil {
			return errors.Wrapf(err, "lock order %q", o.ID)
		}
		if current := order.Status(status); current != o.Status || !current.Editable() {
			return order.ErrStatusChanged
		}

		if _, err := tx.Exec(ctx, deleteOrderLinesSQL, o.ID); err != nil {
			return errors.Wrapf(err, "delete lines of order %q", o.ID)
		}
		if err := insertLines(ctx, tx, o); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, touchOrderSQL, o.ID, o.UpdatedAt); err != nil {
			return errors.Wrapf(err, "touch order %q", o.ID)
		}
		return nil
	})
}

// Update persists status, comments, payment method and invoice reference
// if the stored status is still prev.
func (r *OrderRepository) Update(ctx context.Context, o *order.Order, prev order.Status) error {
	tag, err := r.db.Exec(ctx, updateOrderSQL,
		o.ID, string(o.Status), o.Comments, string(o.PaymentMethod), o.InvoiceRef, o.UpdatedAt, string(prev),
	)
	if err != nil {
		return errors.Wrapf(err, "update order %q", o.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, orderExistsSQL, o.ID).Scan(&exists); err != nil {
		return errors.Wrapf(err, "check order %q", o.ID)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrStatusChanged
}

func insertOrder(ctx context.Context, db DB, o *order.Order) error {
	_, err := db.Exec(ctx, insertOrderSQL,
		o.ID, nullString(o.RegistrationID), nullString(o.UserID), string(o.Status), o.Currency,
		o.InvoiceRef, nullString(o.PaymentReference), string(o.PaymentMethod), o.Comments,
		o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) && o.PaymentReference != "" {
		return payment.ErrDuplicateReference
	}
	if err != nil {
		return errors.Wrapf(err, "insert order %q", o.ID)
	}
	return insertLines(ctx, db, o)
}

func insertLines(ctx context.Context, db DB, o *order.Order) error {
	for i, l := range o.Lines {
		_, err := db.Exec(ctx, insertOrderLineSQL,
			l.ID, o.ID, i, l.ProductID, l.VariantID, l.ProductName, l.VariantName,
			l.Quantity, l.Price, l.VATPercent, nullString(l.CorrectionOf), nullString(l.CorrectionOfOrderID),
		)
		if err != nil {
			return errors.Wrapf(err, "insert line %q of order %q", l.ID, o.ID)
		}
	}
	return nil
}

func (r *OrderRepository) loadLines(ctx context.Context, orders []*order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	byID := make(map[string]*order.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
	}

	rows, err := r.db.Query(ctx, listOrderLinesSQL, ids)
	if err != nil {
		return errors.Wrap(err, "list order lines")
	}
	lines, err := pgx.CollectRows(rows, scanLine)
	if err != nil {
		return errors.Wrap(err, "list order lines")
	}
	for _, l := range lines {
		if o, ok := byID[l.OrderID]; ok {
			o.Lines = append(o.Lines, l)
		}
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (*order.Order, error) {
	var (
		o             order.Order
		status        string
		paymentMethod string
	)
	err := row.Scan(
		&o.ID, &o.RegistrationID, &o.UserID, &status, &o.Currency,
		&o.InvoiceRef, &o.PaymentReference, &paymentMethod, &o.Comments, &o.CreatedAt, &o.UpdatedAt,
	)
	o.Status = order.Status(status)
	o.PaymentMethod = order.PaymentMethod(paymentMethod)
	return &o, err
}

func scanLine(row pgx.CollectableRow) (order.Line, error) {
	var l order.Line
	err := row.Scan(
		&l.ID, &l.OrderID, &l.ProductID, &l.VariantID, &l.ProductName, &l.VariantName,
		&l.Quantity, &l.Price, &l.VATPercent, &l.CorrectionOf, &l.CorrectionOfOrderID,
	)
	return l, err
}
