package order

import (
	"strconv"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrRefundOfRefund is returned when a refund line is built from a line that
// is itself a refund.
var ErrRefundOfRefund = errors.New("cannot refund a refund line")

var hundred = decimal.NewFromInt(100)

// Line is a single order line. Product and variant names, price and VAT are
// snapshots taken when the line was created; catalog changes never alter them.
type Line struct {
	ID          string
	OrderID     string
	ProductID   int64
	VariantID   int64
	ProductName string
	VariantName string
	// Quantity is negative for refund and correction lines.
	Quantity   int
	Price      decimal.Decimal
	VATPercent decimal.Decimal
	// CorrectionOf is the id of the line this line corrects, if any.
	CorrectionOf string
	// CorrectionOfOrderID is the order owning the corrected line.
	CorrectionOfOrderID string
}

// Total is the VAT-inclusive line total.
func (l Line) Total() decimal.Decimal {
	return LineTotal(l.Price, l.VATPercent, l.Quantity)
}

// IsRefund reports whether the line refunds or corrects earlier quantity.
func (l Line) IsRefund() bool {
	return l.Quantity < 0
}

// ItemCode is the reconciliation key of the line.
func (l Line) ItemCode() string {
	return ItemCode(l.ProductID, l.VariantID)
}

// LineTotal computes (price + price*vat/100) * quantity.
func LineTotal(price, vatPercent decimal.Decimal, quantity int) decimal.Decimal {
	gross := price.Add(price.Mul(vatPercent).Div(hundred))
	return gross.Mul(decimal.NewFromInt(int64(quantity)))
}

// ItemCode returns "P{productID}" or "P{productID}-{variantID}".
func ItemCode(productID, variantID int64) string {
	code := "P" + strconv.FormatInt(productID, 10)
	if variantID != 0 {
		code += "-" + strconv.FormatInt(variantID, 10)
	}
	return code
}

// NewRefundLine builds a line that fully reverses orig.
func NewRefundLine(orig Line) (Line, error) {
	if orig.IsRefund() {
		return Line{}, ErrRefundOfRefund
	}
	return NewCorrectionLine(orig, orig.Quantity)
}

// NewCorrectionLine builds a line reversing quantity units of orig, which
// must be a purchase line.
func NewCorrectionLine(orig Line, quantity int) (Line, error) {
	if orig.IsRefund() {
		return Line{}, ErrRefundOfRefund
	}
	if quantity <= 0 || quantity > orig.Quantity {
		return Line{}, errors.Errorf("correction quantity %d out of range for line %s", quantity, orig.ID)
	}
	return Line{
		ID:                  uuid.New().String(),
		ProductID:           orig.ProductID,
		VariantID:           orig.VariantID,
		ProductName:         orig.ProductName,
		VariantName:         orig.VariantName,
		Quantity:            -quantity,
		Price:               orig.Price,
		VATPercent:          orig.VATPercent,
		CorrectionOf:        orig.ID,
		CorrectionOfOrderID: orig.OrderID,
	}, nil
}
