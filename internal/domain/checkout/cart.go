// Package checkout turns web-shop carts into paid orders. A cart is created
// under a fresh payment reference when checkout starts; the payment provider
// later reports the payment through a browser redirect and a webhook, and
// the Materializer turns the cart into exactly one order.
package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrCartNotFound is returned when no cart matches the lookup.
var ErrCartNotFound = errors.New("cart not found")

// CartItem is a requested product. Prices are never stored on the cart:
// they are read from the catalog when the order is materialized.
type CartItem struct {
	ProductID int64 `json:"productId"`
	VariantID int64 `json:"variantId,omitempty"`
	Quantity  int   `json:"quantity"`
}

// Cart is a checkout in progress, keyed by its payment reference.
type Cart struct {
	ID               string
	PaymentReference string
	// UserID is set when the checkout was started by a signed-in user.
	UserID      string
	Items       []CartItem
	Currency    string
	CompletedAt *time.Time
	OrderID     string
	CreatedAt   time.Time
}

// Completed reports whether the cart has been turned into an order.
func (c *Cart) Completed() bool {
	return c.CompletedAt != nil
}

// CartStore persists carts.
type CartStore interface {
	Create(ctx context.Context, c *Cart) error
	FindByPaymentReference(ctx context.Context, reference string) (*Cart, error)
}
