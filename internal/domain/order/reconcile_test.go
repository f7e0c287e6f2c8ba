package order

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/product"
)

const testEventID = 10

func testCatalog() map[int64]product.Product {
	return product.Index([]product.Product{
		{ID: 1, Name: "Conference ticket", EventID: testEventID, Price: d("1000"), VATPercent: d("0"), Mandatory: true},
		{ID: 2, Name: "Dinner", EventID: testEventID, Price: d("400"), VATPercent: d("25")},
		{
			ID: 3, Name: "Workshop", EventID: testEventID, Price: d("200"), VATPercent: d("25"),
			Variants: []product.Variant{
				{ID: 31, ProductID: 3, Name: "Morning"},
				{ID: 32, ProductID: 3, Name: "Evening", Price: decimal.NewNullDecimal(d("250"))},
			},
		},
		{ID: 4, Name: "Table booking", EventID: testEventID, Price: d("50"), VATPercent: d("0"), MinimumQuantity: 4},
	})
}

func reconcileInput(orders []*Order, desired ...Selection) ReconcileInput {
	return ReconcileInput{
		RegistrationID: "reg-1",
		UserID:         "user-1",
		EventID:        testEventID,
		Currency:       "NOK",
		Orders:         orders,
		Desired:        desired,
		Catalog:        testCatalog(),
		Now:            time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// invoice marks a reconciled order as invoiced so it becomes baseline.
func invoice(o *Order) *Order {
	o.Status = StatusInvoiced
	for i := range o.Lines {
		o.Lines[i].OrderID = o.ID
	}
	return o
}

func TestReconcile_NewOrder(t *testing.T) {
	res, err := Reconcile(reconcileInput(nil,
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 2, Quantity: 2},
	))
	require.NoError(t, err)
	require.NotNil(t, res.Order)

	assert.True(t, res.Created)
	assert.Equal(t, StatusDraft, res.Order.Status)
	assert.Equal(t, "reg-1", res.Order.RegistrationID)
	assert.Len(t, res.Order.Lines, 2)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, "2000.00", res.Order.Total().StringFixed(2))
	assert.Empty(t, res.Before)
	assert.Equal(t, Tally{"P1": 1, "P2": 2}, res.After)
	for _, l := range res.Order.Lines {
		assert.Equal(t, res.Order.ID, l.OrderID)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	first, err := Reconcile(reconcileInput(nil,
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 3, VariantID: 31, Quantity: 1},
	))
	require.NoError(t, err)

	t.Run("EditableOrder", func(t *testing.T) {
		second, err := Reconcile(reconcileInput([]*Order{first.Order},
			Selection{ProductID: 1, Quantity: 1},
			Selection{ProductID: 3, VariantID: 31, Quantity: 1},
		))
		require.NoError(t, err)
		assert.False(t, second.Changed())
		assert.Equal(t, first.Order.Lines, second.Order.Lines)
	})

	t.Run("InvoicedOrder", func(t *testing.T) {
		invoiced := invoice(cloneOrder(first.Order))
		second, err := Reconcile(reconcileInput([]*Order{invoiced},
			Selection{ProductID: 1, Quantity: 1},
			Selection{ProductID: 3, VariantID: 31, Quantity: 1},
		))
		require.NoError(t, err)
		assert.Nil(t, second.Order)
		assert.False(t, second.Changed())
	})
}

func TestReconcile_InvoicedBaseline(t *testing.T) {
	first, err := Reconcile(reconcileInput(nil,
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 2, Quantity: 2},
	))
	require.NoError(t, err)
	invoiced := invoice(first.Order)

	res, err := Reconcile(reconcileInput([]*Order{invoiced},
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 2, Quantity: 5},
	))
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Len(t, res.Order.Lines, 1)
	assert.Equal(t, "P2", res.Order.Lines[0].ItemCode())
	assert.Equal(t, 3, res.Order.Lines[0].Quantity)

	// Rewriting the editable order keeps the line and only updates quantity.
	again, err := Reconcile(reconcileInput([]*Order{invoiced, res.Order},
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 2, Quantity: 4},
	))
	require.NoError(t, err)
	require.Len(t, again.Order.Lines, 1)
	assert.Equal(t, res.Order.Lines[0].ID, again.Order.Lines[0].ID)
	assert.Equal(t, 2, again.Order.Lines[0].Quantity)
	assert.Equal(t, 1, again.Updated)
	assert.Equal(t, Tally{"P1": 1, "P2": 4}, again.After)
}

func TestReconcile_Reduction(t *testing.T) {
	first, err := Reconcile(reconcileInput(nil,
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 2, Quantity: 3},
	))
	require.NoError(t, err)
	invoiced := invoice(first.Order)
	dinner := invoiced.Lines[1]

	res, err := Reconcile(reconcileInput([]*Order{invoiced},
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 2, Quantity: 1},
	))
	require.NoError(t, err)
	require.Len(t, res.Order.Lines, 1)

	l := res.Order.Lines[0]
	assert.Equal(t, -2, l.Quantity)
	assert.Equal(t, dinner.ID, l.CorrectionOf)
	assert.Equal(t, invoiced.ID, l.CorrectionOfOrderID)
	assert.True(t, dinner.Price.Equal(l.Price))
	// Invoiced lines are untouched.
	assert.Equal(t, 3, invoiced.Lines[1].Quantity)
}

func TestReconcile_VariantSwap(t *testing.T) {
	first, err := Reconcile(reconcileInput(nil,
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 3, VariantID: 31, Quantity: 2},
	))
	require.NoError(t, err)
	invoiced := invoice(first.Order)
	morning := invoiced.Lines[1]

	res, err := Reconcile(reconcileInput([]*Order{invoiced},
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 3, VariantID: 32, Quantity: 2},
	))
	require.NoError(t, err)
	require.Len(t, res.Order.Lines, 2)

	var refunds, purchases []Line
	for _, l := range res.Order.Lines {
		if l.IsRefund() {
			refunds = append(refunds, l)
		} else {
			purchases = append(purchases, l)
		}
	}
	require.Len(t, refunds, 1)
	require.Len(t, purchases, 1)

	assert.Equal(t, -2, refunds[0].Quantity)
	assert.Equal(t, morning.ID, refunds[0].CorrectionOf)
	assert.Equal(t, int64(31), refunds[0].VariantID)

	assert.Equal(t, int64(32), purchases[0].VariantID)
	assert.Equal(t, 2, purchases[0].Quantity)
	assert.Equal(t, "Evening", purchases[0].VariantName)
	assert.True(t, d("250").Equal(purchases[0].Price))

	assert.Equal(t, 2, morning.Quantity)
	assert.Equal(t, Tally{"P1": 1, "P3-32": 2}, res.After)
}

func TestReconcile_RemovesUnmatchedLines(t *testing.T) {
	first, err := Reconcile(reconcileInput(nil,
		Selection{ProductID: 1, Quantity: 1},
		Selection{ProductID: 2, Quantity: 1},
	))
	require.NoError(t, err)

	res, err := Reconcile(reconcileInput([]*Order{first.Order},
		Selection{ProductID: 1, Quantity: 1},
	))
	require.NoError(t, err)
	assert.Equal(t, first.Order.ID, res.Order.ID)
	assert.Len(t, res.Order.Lines, 1)
	assert.Equal(t, 1, res.Removed)
	// The input order is not mutated.
	assert.Len(t, first.Order.Lines, 2)
}

func TestReconcile_MinimumQuantity(t *testing.T) {
	t.Run("ClampedForCustomers", func(t *testing.T) {
		res, err := Reconcile(reconcileInput(nil,
			Selection{ProductID: 1, Quantity: 1},
			Selection{ProductID: 4, Quantity: 2},
		))
		require.NoError(t, err)
		assert.Equal(t, 4, res.After["P4"])
	})

	t.Run("KeptForPrivileged", func(t *testing.T) {
		in := reconcileInput(nil,
			Selection{ProductID: 1, Quantity: 1},
			Selection{ProductID: 4, Quantity: 2},
		)
		in.Privileged = true
		res, err := Reconcile(in)
		require.NoError(t, err)
		assert.Equal(t, 2, res.After["P4"])
	})
}

func TestReconcile_Validation(t *testing.T) {
	tests := []struct {
		name       string
		desired    []Selection
		privileged bool
		wantReason string
	}{
		{
			name:       "ProductOfOtherEvent",
			desired:    []Selection{{ProductID: 1, Quantity: 1}, {ProductID: 99, Quantity: 1}},
			wantReason: "product 99 does not belong to event 10",
		},
		{
			name:       "MissingVariant",
			desired:    []Selection{{ProductID: 1, Quantity: 1}, {ProductID: 3, Quantity: 1}},
			wantReason: "variant id should be specified for product 3",
		},
		{
			name:       "VariantOfOtherProduct",
			desired:    []Selection{{ProductID: 1, Quantity: 1}, {ProductID: 2, VariantID: 31, Quantity: 1}},
			wantReason: "variant 31 does not belong to product 2",
		},
		{
			name:       "UnknownVariant",
			desired:    []Selection{{ProductID: 1, Quantity: 1}, {ProductID: 3, VariantID: 77, Quantity: 1}},
			wantReason: "variant 77 not found",
		},
		{
			name:       "NegativeQuantity",
			desired:    []Selection{{ProductID: 1, Quantity: 1}, {ProductID: 2, Quantity: -1}},
			wantReason: "quantity for product 2 cannot be negative",
		},
		{
			name:       "MandatoryMissing",
			desired:    []Selection{{ProductID: 2, Quantity: 1}},
			wantReason: "product Conference ticket is mandatory",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := reconcileInput(nil, tt.desired...)
			in.Privileged = tt.privileged
			_, err := Reconcile(in)

			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Reason, tt.wantReason)
		})
	}

	t.Run("MandatoryMissingPrivileged", func(t *testing.T) {
		in := reconcileInput(nil, Selection{ProductID: 2, Quantity: 1})
		in.Privileged = true
		_, err := Reconcile(in)
		require.NoError(t, err)
	})
}

func TestTallies(t *testing.T) {
	orders := []*Order{
		{Status: StatusInvoiced, Lines: []Line{{ProductID: 1, Quantity: 2}, {ProductID: 2, Quantity: 1}}},
		{Status: StatusRefunded, Lines: []Line{{ProductID: 2, Quantity: -1}}},
		{Status: StatusDraft, Lines: []Line{{ProductID: 3, VariantID: 4, Quantity: 1}}},
		{Status: StatusCancelled, Lines: []Line{{ProductID: 1, Quantity: 5}}},
	}
	assert.Equal(t, Tally{"P1": 2}, InvoicedProducts(orders))
	assert.Equal(t, Tally{"P1": 2, "P3-4": 1}, CurrentProducts(orders))
}
