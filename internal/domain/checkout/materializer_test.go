package checkout

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/audit"
	"github.com/xenking/eventkart/internal/domain/order"
	"github.com/xenking/eventkart/internal/domain/payment"
	"github.com/xenking/eventkart/internal/domain/product"
	"github.com/xenking/eventkart/internal/domain/user"
)

// --- In-memory store ---

// memDB serializes transactions and enforces the unique payment reference
// of orders and transactions like the database does.
type memDB struct {
	mu     sync.Mutex
	orders map[string]*order.Order
	txns   map[string]*payment.Transaction
	carts  map[string]*Cart
}

func newMemDB(carts ...*Cart) *memDB {
	db := &memDB{
		orders: make(map[string]*order.Order),
		txns:   make(map[string]*payment.Transaction),
		carts:  make(map[string]*Cart),
	}
	for _, c := range carts {
		db.carts[c.PaymentReference] = c
	}
	return db
}

func (db *memDB) TransactionByReference(_ context.Context, ref string) (*payment.Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.txns[ref]
	if !ok {
		return nil, payment.ErrTransactionNotFound
	}
	return cloneTransaction(t), nil
}

func (db *memDB) RecordTransaction(_ context.Context, t *payment.Transaction) (*payment.Transaction, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if existing, ok := db.txns[t.PaymentReference]; ok {
		existing.Status = t.Status
		return cloneTransaction(existing), nil
	}
	db.txns[t.PaymentReference] = cloneTransaction(t)
	return cloneTransaction(t), nil
}

func (db *memDB) InTx(ctx context.Context, fn func(tx Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx := &memTx{db: db}
	if err := fn(tx); err != nil {
		for _, undo := range tx.undo {
			undo()
		}
		return err
	}
	return nil
}

func (db *memDB) Create(_ context.Context, c *Cart) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.carts[c.PaymentReference] = c
	return nil
}

func (db *memDB) FindByPaymentReference(_ context.Context, ref string) (*Cart, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.carts[ref]
	if !ok {
		return nil, ErrCartNotFound
	}
	cp := *c
	return &cp, nil
}

// memOrders is the order.Repository view of memDB.
type memOrders struct {
	db *memDB
}

func (r *memOrders) Get(_ context.Context, id string) (*order.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	o, ok := r.db.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *memOrders) ListByRegistration(context.Context, string) ([]*order.Order, error) {
	return nil, nil
}

func (r *memOrders) Create(ctx context.Context, o *order.Order) error {
	return r.db.InTx(ctx, func(tx Tx) error { return tx.CreateOrder(ctx, o) })
}

func (r *memOrders) ReplaceLines(context.Context, *order.Order) error { return nil }

func (r *memOrders) Update(context.Context, *order.Order, order.Status) error { return nil }

func (db *memDB) counts() (orders, txns int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.orders), len(db.txns)
}

type memTx struct {
	db   *memDB
	undo []func()
}

func (tx *memTx) CreateOrder(_ context.Context, o *order.Order) error {
	for _, existing := range tx.db.orders {
		if existing.PaymentReference == o.PaymentReference {
			return payment.ErrDuplicateReference
		}
	}
	cp := *o
	tx.db.orders[o.ID] = &cp
	tx.undo = append(tx.undo, func() { delete(tx.db.orders, o.ID) })
	return nil
}

func (tx *memTx) CreateTransaction(_ context.Context, t *payment.Transaction) error {
	if _, ok := tx.db.txns[t.PaymentReference]; ok {
		return payment.ErrDuplicateReference
	}
	tx.db.txns[t.PaymentReference] = cloneTransaction(t)
	tx.undo = append(tx.undo, func() { delete(tx.db.txns, t.PaymentReference) })
	return nil
}

func (tx *memTx) AttachTransaction(_ context.Context, ref, orderID string, _ time.Time) (bool, error) {
	t, ok := tx.db.txns[ref]
	if !ok || t.OrderID != "" {
		return false, nil
	}
	t.OrderID = orderID
	tx.undo = append(tx.undo, func() { t.OrderID = "" })
	return true, nil
}

func (tx *memTx) CompleteCart(_ context.Context, cartID, orderID string, at time.Time) (bool, error) {
	for _, c := range tx.db.carts {
		if c.ID != cartID || c.Completed() {
			continue
		}
		c.CompletedAt, c.OrderID = &at, orderID
		tx.undo = append(tx.undo, func() { c.CompletedAt, c.OrderID = nil, "" })
		return true, nil
	}
	return false, nil
}

// --- Collaborator mocks ---

type mockProvider struct {
	details *payment.Details
	err     error
	calls   atomic.Int32
	created []payment.CreateRequest
}

func (m *mockProvider) GetPaymentDetails(_ context.Context, ref string) (*payment.Details, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	d := *m.details
	d.Reference = ref
	return &d, nil
}

func (m *mockProvider) CreatePayment(_ context.Context, req payment.CreateRequest) (*payment.CreateResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.created = append(m.created, req)
	return &payment.CreateResult{Reference: req.Reference, RedirectURL: "https://pay.example.com/" + req.Reference}, nil
}

type mockProductRepo struct {
	products []product.Product
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []int64) ([]product.Product, error) {
	idx := product.Index(m.products)
	var out []product.Product
	for _, id := range ids {
		if p, ok := idx[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockProductRepo) ListByEvent(context.Context, int64) ([]product.Product, error) {
	return nil, nil
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]*user.User
}

func newMemUsers(users ...*user.User) *memUsers {
	m := &memUsers{users: make(map[string]*user.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) Get(_ context.Context, id string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*user.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, user.ErrNotFound
}

func (m *memUsers) Create(_ context.Context, u *user.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return user.ErrEmailTaken
		}
	}
	m.users[u.ID] = u
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memSink) Append(_ context.Context, e audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) types() []audit.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.Type, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type()
	}
	return out
}

type memMailer struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func (m *memMailer) Send(_ context.Context, e Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, e)
	return nil
}

// --- Helpers ---

const testRef = "ref-123"

func catalog() []product.Product {
	return []product.Product{
		{ID: 1, Name: "T-shirt", Price: decimal.RequireFromString("100.00"), VATPercent: decimal.NewFromInt(25)},
		{ID: 2, Name: "Mug", Price: decimal.RequireFromString("50.00"), VATPercent: decimal.Zero},
		{ID: 3, Name: "Hoodie", Price: decimal.RequireFromString("400.00"), VATPercent: decimal.NewFromInt(25)},
	}
}

func testCart(items ...CartItem) *Cart {
	return &Cart{
		ID:               "cart-1",
		PaymentReference: testRef,
		Items:            items,
		Currency:         "NOK",
	}
}

func authorized(amount int64) *payment.Details {
	return &payment.Details{
		State:            payment.StateAuthorized,
		AuthorizedAmount: amount,
		Currency:         "NOK",
		Profile:          &payment.Profile{Sub: "sub-1", Email: "Kari@Example.com", EmailVerified: true, Name: "Kari Nordmann"},
		Shipping:         &payment.Address{Street: "Storgata 1", PostalCode: "0155", City: "Oslo", Country: "NO"},
	}
}

type harness struct {
	m        *Materializer
	db       *memDB
	provider *mockProvider
	users    *memUsers
	sink     *memSink
	mailer   *memMailer
}

func newHarness(details *payment.Details, carts ...*Cart) *harness {
	h := &harness{
		db:       newMemDB(carts...),
		provider: &mockProvider{details: details},
		users:    newMemUsers(),
		sink:     &memSink{},
		mailer:   &memMailer{},
	}
	h.m = NewMaterializer(MaterializerOptions{
		Store:      h.db,
		Carts:      h.db,
		Orders:     &memOrders{db: h.db},
		Users:      h.users,
		Products:   &mockProductRepo{products: catalog()},
		Provider:   h.provider,
		Audit:      h.sink,
		Mailer:     h.mailer,
		AlertEmail: "ops@example.com",
	})
	return h
}

func (h *harness) materialize(t *testing.T) (*Result, error) {
	t.Helper()
	return h.m.CreateOrderFromPayment(context.Background(), Request{PaymentReference: testRef})
}

// --- Tests ---

func TestCreateOrderFromPayment(t *testing.T) {
	h := newHarness(authorized(30000), testCart(
		CartItem{ProductID: 1, Quantity: 2},
		CartItem{ProductID: 2, Quantity: 1},
	))

	res, err := h.materialize(t)
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	o := res.Order
	assert.Equal(t, order.StatusVerified, o.Status)
	assert.Equal(t, testRef, o.PaymentReference)
	assert.Equal(t, order.PaymentMethodVipps, o.PaymentMethod)
	assert.Equal(t, "300.00", o.Total().StringFixed(2))
	require.Len(t, o.Lines, 2)
	assert.Equal(t, "T-shirt", o.Lines[0].ProductName)

	assert.Equal(t, o.ID, res.Transaction.OrderID)
	assert.Equal(t, int64(30000), res.Transaction.Amount)

	cart, err := h.db.FindByPaymentReference(context.Background(), testRef)
	require.NoError(t, err)
	assert.True(t, cart.Completed())
	assert.Equal(t, o.ID, cart.OrderID)

	u, err := h.users.FindByEmail(context.Background(), "kari@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, o.UserID)
	assert.True(t, u.EmailVerified)
	require.NotNil(t, u.Address)
	assert.False(t, u.Address.Verified)

	assert.Equal(t, []audit.Type{
		audit.TypeOrderCreated,
		audit.TypeOrderStatusChanged,
		audit.TypePaymentLinked,
	}, h.sink.types())

	require.Len(t, h.mailer.sent, 1)
	assert.Equal(t, "kari@example.com", h.mailer.sent[0].To)
	assert.Contains(t, h.mailer.sent[0].Body, "300.00 NOK")
}

func TestCreateOrderFromPayment_Replay(t *testing.T) {
	h := newHarness(authorized(30000), testCart(CartItem{ProductID: 1, Quantity: 2}, CartItem{ProductID: 2, Quantity: 1}))

	first, err := h.materialize(t)
	require.NoError(t, err)
	second, err := h.materialize(t)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, int32(1), h.provider.calls.Load())
	assert.Len(t, h.sink.types(), 3)
}

func TestCreateOrderFromPayment_Concurrent(t *testing.T) {
	const callers = 16
	h := newHarness(authorized(30000), testCart(CartItem{ProductID: 1, Quantity: 2}, CartItem{ProductID: 2, Quantity: 1}))

	ids := make([]string, callers)
	var g errgroup.Group
	for i := range callers {
		g.Go(func() error {
			src := SourceCallback
			if i%2 == 0 {
				src = SourceWebhook
			}
			res, err := h.m.CreateOrderFromPayment(context.Background(), Request{PaymentReference: testRef, Source: src})
			if err != nil {
				return err
			}
			ids[i] = res.Order.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	orders, txns := h.db.counts()
	assert.Equal(t, 1, orders)
	assert.Equal(t, 1, txns)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Len(t, h.sink.types(), 3)
}

// staleReads misses the transaction on the first lookups, as a caller does
// when a concurrent caller commits right after its read.
type staleReads struct {
	*memDB
	misses atomic.Int32
}

func (s *staleReads) TransactionByReference(ctx context.Context, ref string) (*payment.Transaction, error) {
	if s.misses.Add(-1) >= 0 {
		return nil, payment.ErrTransactionNotFound
	}
	return s.memDB.TransactionByReference(ctx, ref)
}

func TestCreateOrderFromPayment_CommittedAfterTransactionRead(t *testing.T) {
	h := newHarness(authorized(30000), testCart(CartItem{ProductID: 1, Quantity: 2}, CartItem{ProductID: 2, Quantity: 1}))
	won, err := h.materialize(t)
	require.NoError(t, err)

	store := &staleReads{memDB: h.db}
	store.misses.Store(1)
	m := NewMaterializer(MaterializerOptions{
		Store:    store,
		Carts:    h.db,
		Orders:   &memOrders{db: h.db},
		Users:    h.users,
		Products: &mockProductRepo{products: catalog()},
		Provider: h.provider,
		Audit:    h.sink,
	})

	res, err := m.CreateOrderFromPayment(context.Background(), Request{PaymentReference: testRef})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, won.Order.ID, res.Order.ID)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, won.Transaction.ID, res.Transaction.ID)

	orders, txns := h.db.counts()
	assert.Equal(t, 1, orders)
	assert.Equal(t, 1, txns)
}

func TestCreateOrderFromPayment_AttachesWebhookTransaction(t *testing.T) {
	h := newHarness(authorized(30000), testCart(CartItem{ProductID: 1, Quantity: 2}, CartItem{ProductID: 2, Quantity: 1}))

	recorded, err := h.db.RecordTransaction(context.Background(), &payment.Transaction{
		ID:               "txn-webhook",
		PaymentReference: testRef,
		Amount:           30000,
		Currency:         "NOK",
		Status:           payment.StateAuthorized,
	})
	require.NoError(t, err)
	require.False(t, recorded.Linked())

	res, err := h.materialize(t)
	require.NoError(t, err)
	assert.Equal(t, "txn-webhook", res.Transaction.ID)
	assert.Equal(t, res.Order.ID, res.Transaction.OrderID)

	stored, err := h.db.TransactionByReference(context.Background(), testRef)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, stored.OrderID)
	_, txns := h.db.counts()
	assert.Equal(t, 1, txns)
}

func TestCreateOrderFromPayment_AmountMismatch(t *testing.T) {
	h := newHarness(authorized(40000), testCart(CartItem{ProductID: 3, Quantity: 1}))

	_, err := h.materialize(t)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Reason, "400.00 NOK")
	assert.Contains(t, ve.Reason, "500.00 NOK")

	orders, txns := h.db.counts()
	assert.Zero(t, orders)
	assert.Zero(t, txns)
	assert.Empty(t, h.sink.types())
}

func TestCreateOrderFromPayment_AmountTolerance(t *testing.T) {
	for _, tt := range []struct {
		amount int64
		ok     bool
	}{
		{50000, true},
		{60000, true},
		{49999, true},
		{49998, false},
	} {
		h := newHarness(authorized(tt.amount), testCart(CartItem{ProductID: 3, Quantity: 1}))
		_, err := h.materialize(t)
		if tt.ok {
			assert.NoError(t, err, tt.amount)
		} else {
			assert.True(t, apperr.IsValidation(err), tt.amount)
		}
	}
}

func TestCreateOrderFromPayment_CurrencyMismatch(t *testing.T) {
	d := authorized(50000)
	d.Currency = "SEK"
	h := newHarness(d, testCart(CartItem{ProductID: 3, Quantity: 1}))

	_, err := h.materialize(t)
	assert.True(t, apperr.IsValidation(err))
}

func TestCreateOrderFromPayment_Orphaned(t *testing.T) {
	h := newHarness(authorized(50000))

	_, err := h.materialize(t)
	var oe *OrphanedPaymentError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, testRef, oe.Reference)
	assert.Contains(t, err.Error(), "your money is safe")

	assert.Equal(t, []audit.Type{audit.TypePaymentOrphaned}, h.sink.types())
	require.Len(t, h.mailer.sent, 1)
	assert.Equal(t, "ops@example.com", h.mailer.sent[0].To)
	assert.Contains(t, h.mailer.sent[0].Body, "500.00 NOK")

	orders, txns := h.db.counts()
	assert.Zero(t, orders)
	assert.Zero(t, txns)
}

func TestCreateOrderFromPayment_MailerFailureIgnored(t *testing.T) {
	h := newHarness(authorized(30000), testCart(CartItem{ProductID: 1, Quantity: 2}, CartItem{ProductID: 2, Quantity: 1}))
	h.mailer.err = errors.New("broker down")

	res, err := h.materialize(t)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Order.ID)
}

func TestCreateOrderFromPayment_ProviderFailure(t *testing.T) {
	h := newHarness(nil, testCart(CartItem{ProductID: 1, Quantity: 1}))
	h.provider.err = context.DeadlineExceeded

	_, err := h.materialize(t)
	var pe *payment.ProviderError
	require.ErrorAs(t, err, &pe)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	orders, txns := h.db.counts()
	assert.Zero(t, orders)
	assert.Zero(t, txns)
}

func TestCreateOrderFromPayment_NotSettled(t *testing.T) {
	d := authorized(30000)
	d.State = payment.StateAborted
	h := newHarness(d, testCart(CartItem{ProductID: 1, Quantity: 1}))

	_, err := h.materialize(t)
	assert.True(t, apperr.IsValidation(err))
}

func TestCreateOrderFromPayment_UnknownProduct(t *testing.T) {
	h := newHarness(authorized(30000), testCart(CartItem{ProductID: 42, Quantity: 1}))

	_, err := h.materialize(t)
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "product 42 is no longer available", ve.Reason)
}

func TestCreateOrderFromPayment_Identity(t *testing.T) {
	t.Run("ExistingUserByEmail", func(t *testing.T) {
		h := newHarness(authorized(12500), testCart(CartItem{ProductID: 1, Quantity: 1}))
		require.NoError(t, h.users.Create(context.Background(), &user.User{ID: "u-existing", Email: "kari@example.com"}))

		res, err := h.materialize(t)
		require.NoError(t, err)
		assert.Equal(t, "u-existing", res.Order.UserID)
	})

	t.Run("CartUser", func(t *testing.T) {
		cart := testCart(CartItem{ProductID: 1, Quantity: 1})
		cart.UserID = "u-cart"
		h := newHarness(authorized(12500), cart)
		require.NoError(t, h.users.Create(context.Background(), &user.User{ID: "u-cart", Email: "other@example.com"}))

		res, err := h.materialize(t)
		require.NoError(t, err)
		assert.Equal(t, "u-cart", res.Order.UserID)
	})

	t.Run("UnverifiedEmail", func(t *testing.T) {
		d := authorized(12500)
		d.Profile.EmailVerified = false
		h := newHarness(d, testCart(CartItem{ProductID: 1, Quantity: 1}))

		res, err := h.materialize(t)
		require.NoError(t, err)
		u, err := h.users.Get(context.Background(), res.Order.UserID)
		require.NoError(t, err)
		assert.False(t, u.EmailVerified)
	})

	t.Run("UnverifiedEmailVerifiedAccount", func(t *testing.T) {
		d := authorized(12500)
		d.Profile.EmailVerified = false
		h := newHarness(d, testCart(CartItem{ProductID: 1, Quantity: 1}))
		require.NoError(t, h.users.Create(context.Background(), &user.User{ID: "u-owner", Email: "kari@example.com", EmailVerified: true}))

		_, err := h.materialize(t)
		var ve *apperr.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Reason, "not verified")
		orders, _ := h.db.counts()
		assert.Zero(t, orders)
	})

	t.Run("UnverifiedEmailUnverifiedAccount", func(t *testing.T) {
		d := authorized(12500)
		d.Profile.EmailVerified = false
		h := newHarness(d, testCart(CartItem{ProductID: 1, Quantity: 1}))
		require.NoError(t, h.users.Create(context.Background(), &user.User{ID: "u-guest", Email: "kari@example.com"}))

		res, err := h.materialize(t)
		require.NoError(t, err)
		assert.Equal(t, "u-guest", res.Order.UserID)
	})

	t.Run("NoEmail", func(t *testing.T) {
		d := authorized(12500)
		d.Profile = nil
		h := newHarness(d, testCart(CartItem{ProductID: 1, Quantity: 1}))

		_, err := h.materialize(t)
		assert.True(t, apperr.IsValidation(err))
		orders, _ := h.db.counts()
		assert.Zero(t, orders)
	})
}

func TestRecordWebhook(t *testing.T) {
	t.Run("Settled", func(t *testing.T) {
		h := newHarness(authorized(12500), testCart(CartItem{ProductID: 1, Quantity: 1}))

		res, err := h.m.RecordWebhook(context.Background(), WebhookEvent{
			Reference: testRef,
			State:     payment.StateAuthorized,
			Amount:    12500,
			Currency:  "NOK",
		})
		require.NoError(t, err)
		require.NotNil(t, res)

		created := h.sink.events[0].Data.(audit.OrderCreated)
		assert.Equal(t, string(SourceWebhook), created.Source)
		assert.Equal(t, res.Order.ID, res.Transaction.OrderID)
	})

	t.Run("NotSettled", func(t *testing.T) {
		h := newHarness(authorized(12500), testCart(CartItem{ProductID: 1, Quantity: 1}))

		res, err := h.m.RecordWebhook(context.Background(), WebhookEvent{
			Reference: testRef,
			State:     payment.StateCreated,
			Amount:    12500,
		})
		require.NoError(t, err)
		assert.Nil(t, res)

		txn, err := h.db.TransactionByReference(context.Background(), testRef)
		require.NoError(t, err)
		assert.Equal(t, payment.StateCreated, txn.Status)
		assert.False(t, txn.Linked())
		assert.Zero(t, h.provider.calls.Load())
	})
}
