package order

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/product"
)

// Selection is one desired product (and optional variant) with quantity.
type Selection struct {
	ProductID int64 `json:"productId"`
	VariantID int64 `json:"productVariantId,omitempty"`
	Quantity  int   `json:"quantity"`
}

// ReconcileInput is the full context for reconciling a registration's orders
// towards a desired product selection.
type ReconcileInput struct {
	RegistrationID string
	UserID         string
	EventID        int64
	Currency       string
	// Orders are all orders of the registration.
	Orders  []*Order
	Desired []Selection
	// Catalog holds every product of the registration's event.
	Catalog    map[int64]product.Product
	Privileged bool
	// Target is the editable order to rewrite. Empty selects the most
	// recent editable order of the registration.
	Target string
	Now    time.Time
}

// ReconcileResult describes the order holding the computed deltas.
type ReconcileResult struct {
	// Order is nil when no editable order exists and nothing needs to change.
	Order   *Order
	Created bool
	Added   int
	Updated int
	Removed int
	Before  Tally
	After   Tally
}

// Changed reports whether the order lines differ from their previous state.
func (r *ReconcileResult) Changed() bool {
	return r.Created || r.Added+r.Updated+r.Removed > 0
}

// plannedLine is a line the reconciled order must contain. key identifies the
// line across runs so unchanged lines keep their id.
type plannedLine struct {
	key  string
	line Line
}

// Reconcile computes the line deltas that move a registration from its
// invoiced baseline to the desired selection. Invoiced lines are never
// modified: reductions become correction lines referencing the invoiced
// line, and a variant change becomes a full refund plus a new purchase.
// An existing editable order is rewritten in place; otherwise a new draft
// order is returned.
func Reconcile(in ReconcileInput) (*ReconcileResult, error) {
	targets, codes, err := normalizeSelection(in)
	if err != nil {
		return nil, err
	}

	invoiced := InvoicedProducts(in.Orders)
	for code := range invoiced {
		if _, ok := targets[code]; !ok {
			targets[code] = 0
			codes = append(codes, code)
		}
	}

	remaining := correctableLines(in.Orders)
	var plan []plannedLine
	for _, code := range codes {
		delta := targets[code] - invoiced[code]
		switch {
		case delta > 0:
			plan = append(plan, plannedPurchase(in, code, delta))
		case delta < 0:
			plan = append(plan, plannedCorrections(in, code, -delta, remaining[code])...)
		}
	}

	res := &ReconcileResult{Before: CurrentProducts(in.Orders)}
	editable := editableOrder(in.Orders, in.Target)
	if editable == nil {
		if len(plan) == 0 {
			res.After = res.Before
			return res, nil
		}
		o := &Order{
			ID:             uuid.New().String(),
			RegistrationID: in.RegistrationID,
			UserID:         in.UserID,
			Status:         StatusDraft,
			Currency:       in.Currency,
			PaymentMethod:  PaymentMethodInvoice,
			CreatedAt:      in.Now,
			UpdatedAt:      in.Now,
		}
		for _, s := range plan {
			s.line.OrderID = o.ID
			o.Lines = append(o.Lines, s.line)
		}
		res.Order, res.Created, res.Added = o, true, len(plan)
		res.After = CurrentProducts(replaceOrder(in.Orders, o))
		return res, nil
	}

	o := cloneOrder(editable)
	existing := make(map[string]Line, len(o.Lines))
	for _, l := range o.Lines {
		existing[lineKey(l)] = l
	}
	lines := make([]Line, 0, len(plan))
	for _, s := range plan {
		prev, ok := existing[s.key]
		if !ok {
			s.line.OrderID = o.ID
			lines = append(lines, s.line)
			res.Added++
			continue
		}
		delete(existing, s.key)
		if prev.Quantity != s.line.Quantity {
			prev.Quantity = s.line.Quantity
			res.Updated++
		}
		lines = append(lines, prev)
	}
	res.Removed = len(existing)
	o.Lines = lines
	if res.Changed() {
		o.UpdatedAt = in.Now
	}
	res.Order = o
	res.After = CurrentProducts(replaceOrder(in.Orders, o))
	return res, nil
}

// normalizeSelection validates the desired selection and returns target
// quantities by item code in first-seen order.
func normalizeSelection(in ReconcileInput) (map[string]int, []string, error) {
	targets := make(map[string]int, len(in.Desired))
	var codes []string
	perProduct := make(map[int64]int)

	for _, sel := range in.Desired {
		if sel.Quantity < 0 {
			return nil, nil, apperr.Validation("quantity for product %d cannot be negative", sel.ProductID)
		}
		p, ok := in.Catalog[sel.ProductID]
		if !ok {
			return nil, nil, apperr.Validation("product %d does not belong to event %d", sel.ProductID, in.EventID)
		}
		if err := checkVariant(in.Catalog, p, sel.VariantID); err != nil {
			return nil, nil, err
		}

		qty := sel.Quantity
		if qty > 0 && qty < p.MinimumQuantity && !in.Privileged {
			qty = p.MinimumQuantity
		}

		code := ItemCode(sel.ProductID, sel.VariantID)
		if _, seen := targets[code]; !seen {
			codes = append(codes, code)
		}
		targets[code] += qty
		perProduct[sel.ProductID] += qty
	}

	if !in.Privileged {
		for _, id := range sortedIDs(in.Catalog) {
			p := in.Catalog[id]
			if !p.Mandatory {
				continue
			}
			minimum := max(p.MinimumQuantity, 1)
			if perProduct[id] < minimum {
				return nil, nil, apperr.Validation("product %s is mandatory, quantity cannot be below %d", p.Name, minimum)
			}
		}
	}
	return targets, codes, nil
}

func checkVariant(catalog map[int64]product.Product, p product.Product, variantID int64) error {
	if variantID == 0 {
		if p.HasVariants() {
			return apperr.Validation("variant id should be specified for product %d", p.ID)
		}
		return nil
	}
	if _, ok := p.Variant(variantID); ok {
		return nil
	}
	for _, other := range catalog {
		if _, ok := other.Variant(variantID); ok {
			return apperr.Validation("variant %d does not belong to product %d", variantID, p.ID)
		}
	}
	return apperr.Validation("variant %d not found", variantID)
}

func plannedPurchase(in ReconcileInput, code string, qty int) plannedLine {
	productID, variantID := parseItemCode(code)
	p := in.Catalog[productID]
	price, vat := p.Pricing(variantID)
	l := Line{
		ID:          uuid.New().String(),
		ProductID:   productID,
		VariantID:   variantID,
		ProductName: p.Name,
		Quantity:    qty,
		Price:       price,
		VATPercent:  vat,
	}
	if v, ok := p.Variant(variantID); ok {
		l.VariantName = v.Name
	}
	return plannedLine{key: code, line: l}
}

// correctableLine is an invoiced purchase line with the quantity that has
// not yet been corrected by invoiced correction lines.
type correctableLine struct {
	line      Line
	remaining int
}

// plannedCorrections reverses qty units of code, newest invoiced lines first.
// Lines reversed in full become refund lines.
func plannedCorrections(in ReconcileInput, code string, qty int, candidates []correctableLine) []plannedLine {
	var plan []plannedLine
	for i := len(candidates) - 1; i >= 0 && qty > 0; i-- {
		c := candidates[i]
		if c.remaining == 0 {
			continue
		}
		n := min(qty, c.remaining)
		var (
			l   Line
			err error
		)
		if n == c.line.Quantity {
			l, err = NewRefundLine(c.line)
		} else {
			l, err = NewCorrectionLine(c.line, n)
		}
		if err != nil {
			continue
		}
		plan = append(plan, plannedLine{key: lineKey(l), line: l})
		qty -= n
	}
	if qty > 0 {
		// No invoiced line left to reference; correct at catalog price.
		s := plannedPurchase(in, code, qty)
		s.line.Quantity = -qty
		s.key = code + "~"
		plan = append(plan, s)
	}
	return plan
}

func correctableLines(orders []*Order) map[string][]correctableLine {
	corrected := make(map[string]int)
	for _, o := range orders {
		if !o.Status.Invoiced() {
			continue
		}
		for _, l := range o.Lines {
			if l.IsRefund() && l.CorrectionOf != "" {
				corrected[l.CorrectionOf] -= l.Quantity
			}
		}
	}

	invoiced := slices.Clone(orders)
	slices.SortStableFunc(invoiced, func(a, b *Order) int { return a.CreatedAt.Compare(b.CreatedAt) })

	out := make(map[string][]correctableLine)
	for _, o := range invoiced {
		if !o.Status.Invoiced() {
			continue
		}
		for _, l := range o.Lines {
			if l.IsRefund() {
				continue
			}
			rest := max(l.Quantity-corrected[l.ID], 0)
			out[l.ItemCode()] = append(out[l.ItemCode()], correctableLine{line: l, remaining: rest})
		}
	}
	return out
}

func lineKey(l Line) string {
	switch {
	case l.CorrectionOf != "":
		return l.ItemCode() + "~" + l.CorrectionOf
	case l.IsRefund():
		return l.ItemCode() + "~"
	default:
		return l.ItemCode()
	}
}

func editableOrder(orders []*Order, target string) *Order {
	var found *Order
	for _, o := range orders {
		if !o.CanEdit() {
			continue
		}
		if o.ID == target {
			return o
		}
		if found == nil || o.CreatedAt.After(found.CreatedAt) {
			found = o
		}
	}
	return found
}

func cloneOrder(o *Order) *Order {
	c := *o
	c.Lines = slices.Clone(o.Lines)
	return &c
}

func replaceOrder(orders []*Order, o *Order) []*Order {
	out := make([]*Order, 0, len(orders)+1)
	for _, existing := range orders {
		if existing.ID != o.ID {
			out = append(out, existing)
		}
	}
	return append(out, o)
}

func sortedIDs(catalog map[int64]product.Product) []int64 {
	ids := make([]int64, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func parseItemCode(code string) (productID, variantID int64) {
	p, v, _ := strings.Cut(strings.TrimPrefix(code, "P"), "-")
	productID, _ = strconv.ParseInt(p, 10, 64)
	if v != "" {
		variantID, _ = strconv.ParseInt(v, 10, 64)
	}
	return productID, variantID
}
