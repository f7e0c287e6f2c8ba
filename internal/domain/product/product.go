package product

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a catalog item. Event-bound products can be attached to
// registrations; products without an event are sold through the web shop.
type Product struct {
	ID   int64
	Name string
	// EventID is zero for shop products.
	EventID    int64
	Price      decimal.Decimal
	VATPercent decimal.Decimal
	// MinimumQuantity is the lowest quantity a non-privileged caller may order.
	MinimumQuantity int
	// Mandatory products must stay on a registration at or above MinimumQuantity.
	Mandatory bool
	Variants  []Variant
}

// Variant is a priced alternative of a product (size, session, ticket class).
// Price and VAT fall back to the parent product when not set.
type Variant struct {
	ID         int64
	ProductID  int64
	Name       string
	Price      decimal.NullDecimal
	VATPercent decimal.NullDecimal
}

// HasVariants reports whether an order line for this product must name a variant.
func (p *Product) HasVariants() bool {
	return len(p.Variants) > 0
}

// Variant returns the variant with the given id.
func (p *Product) Variant(id int64) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Pricing returns the unit price and VAT percent for the product, or for the
// given variant when variantID is non-zero.
func (p *Product) Pricing(variantID int64) (price, vat decimal.Decimal) {
	price, vat = p.Price, p.VATPercent
	if variantID == 0 {
		return price, vat
	}
	if v, ok := p.Variant(variantID); ok {
		if v.Price.Valid {
			price = v.Price.Decimal
		}
		if v.VATPercent.Valid {
			vat = v.VATPercent.Decimal
		}
	}
	return price, vat
}

// Repository defines read operations for the product catalog. Reads are
// never cached: prices are authoritative at the time of the call.
type Repository interface {
	GetByIDs(ctx context.Context, ids []int64) ([]Product, error)
	ListByEvent(ctx context.Context, eventID int64) ([]Product, error)
}

// Index maps products by id.
func Index(products []Product) map[int64]Product {
	m := make(map[int64]Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return m
}
