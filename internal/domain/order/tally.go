package order

// Tally aggregates line quantities by item code.
type Tally map[string]int

func tally(orders []*Order, include func(Status) bool) Tally {
	t := make(Tally)
	for _, o := range orders {
		if !include(o.Status) {
			continue
		}
		for _, l := range o.Lines {
			t[l.ItemCode()] += l.Quantity
		}
	}
	for code, qty := range t {
		if qty == 0 {
			delete(t, code)
		}
	}
	return t
}

// CurrentProducts aggregates quantities across all non-cancelled orders.
func CurrentProducts(orders []*Order) Tally {
	return tally(orders, func(s Status) bool { return s != StatusCancelled })
}

// InvoicedProducts aggregates quantities across invoiced and refunded orders.
func InvoicedProducts(orders []*Order) Tally {
	return tally(orders, Status.Invoiced)
}
