package checkout

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/order"
	"github.com/xenking/eventkart/internal/domain/product"
)

func productIDs(items []CartItem) []int64 {
	seen := make(map[int64]struct{}, len(items))
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.ProductID]; ok {
			continue
		}
		seen[it.ProductID] = struct{}{}
		ids = append(ids, it.ProductID)
	}
	return ids
}

// priceItems builds order lines for items from authoritative catalog data.
func priceItems(items []CartItem, catalog map[int64]product.Product) ([]order.Line, decimal.Decimal, error) {
	if len(items) == 0 {
		return nil, decimal.Zero, apperr.Validation("cart is empty")
	}
	lines := make([]order.Line, 0, len(items))
	total := decimal.Zero
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, decimal.Zero, apperr.Validation("quantity must be greater than 0 for product %d", it.ProductID)
		}
		p, ok := catalog[it.ProductID]
		if !ok {
			return nil, decimal.Zero, apperr.Validation("product %d is no longer available", it.ProductID)
		}
		var variantName string
		switch v, found := p.Variant(it.VariantID); {
		case it.VariantID == 0 && p.HasVariants():
			return nil, decimal.Zero, apperr.Validation("variant id should be specified for product %d", p.ID)
		case it.VariantID != 0 && !found:
			return nil, decimal.Zero, apperr.Validation("variant %d does not belong to product %d", it.VariantID, p.ID)
		default:
			variantName = v.Name
		}

		price, vat := p.Pricing(it.VariantID)
		l := order.Line{
			ID:          uuid.New().String(),
			ProductID:   p.ID,
			VariantID:   it.VariantID,
			ProductName: p.Name,
			VariantName: variantName,
			Quantity:    it.Quantity,
			Price:       price,
			VATPercent:  vat,
		}
		total = total.Add(l.Total())
		lines = append(lines, l)
	}
	return lines, total, nil
}
