package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned by repositories when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrStatusChanged is returned by repositories when the stored status no
	// longer matches the one the write was based on.
	ErrStatusChanged = errors.New("order status changed concurrently")
)

// PaymentMethod records how an order is settled.
type PaymentMethod string

const (
	PaymentMethodInvoice PaymentMethod = "invoice"
	PaymentMethodCard    PaymentMethod = "card"
	PaymentMethodVipps   PaymentMethod = "vipps"
)

// ParsePaymentMethod validates a payment method name.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case PaymentMethodInvoice, PaymentMethodCard, PaymentMethodVipps:
		return m, nil
	default:
		return "", errors.Errorf("unknown payment method %q", s)
	}
}

// Order is a set of purchased (or corrected) lines belonging to either a
// registration or a web-shop checkout.
type Order struct {
	ID string
	// RegistrationID is empty for orders created from a shop payment.
	RegistrationID string
	UserID         string
	Status         Status
	Currency       string
	Lines          []Line
	InvoiceRef     string
	// PaymentReference is the provider idempotency key for paid orders.
	PaymentReference string
	PaymentMethod    PaymentMethod
	Comments         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Total is the sum of all line totals, including correction lines.
func (o *Order) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range o.Lines {
		sum = sum.Add(l.Total())
	}
	return sum
}

// CanEdit reports whether the order lines may still be changed.
func (o *Order) CanEdit() bool {
	return o.Status.Editable()
}

// Line returns the line with the given id.
func (o *Order) Line(id string) (Line, bool) {
	for _, l := range o.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return Line{}, false
}

// Repository defines persistence operations for orders.
type Repository interface {
	Get(ctx context.Context, id string) (*Order, error)
	ListByRegistration(ctx context.Context, registrationID string) ([]*Order, error)
	// Create inserts the order and all of its lines.
	Create(ctx context.Context, o *Order) error
	// ReplaceLines swaps the full line set of an editable order. It fails
	// with ErrStatusChanged when the stored status differs from o.Status.
	ReplaceLines(ctx context.Context, o *Order) error
	// Update persists status, comments, payment method and invoice reference.
	// It fails with ErrStatusChanged when the stored status is not prev.
	Update(ctx context.Context, o *Order, prev Status) error
}
