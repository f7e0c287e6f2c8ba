package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/audit"
	"github.com/xenking/eventkart/internal/domain/money"
	"github.com/xenking/eventkart/internal/domain/order"
	"github.com/xenking/eventkart/internal/domain/payment"
	"github.com/xenking/eventkart/internal/domain/product"
	"github.com/xenking/eventkart/internal/domain/user"
)

// Source names the path that reported a payment.
type Source string

const (
	SourceCallback Source = "callback"
	SourceWebhook  Source = "webhook"
)

// amountTolerance absorbs rounding between the catalog total and the
// provider amount, in minor units.
const amountTolerance = 1

const defaultMaxAttempts = 3

// Request identifies a payment to materialize.
type Request struct {
	PaymentReference string
	// UserID is the signed-in user performing the callback, if any.
	UserID string
	Source Source
}

// Result is the order and transaction pair for a payment.
type Result struct {
	Order       *order.Order
	Transaction *payment.Transaction
	// Replayed is true when the order already existed.
	Replayed bool
}

// WebhookEvent is a provider notification about a payment.
type WebhookEvent struct {
	Reference string
	State     payment.State
	Amount    int64
	Currency  string
}

// MaterializerOptions configures a Materializer.
type MaterializerOptions struct {
	Store    Store
	Carts    CartStore
	Orders   order.Repository
	Users    user.Repository
	Products product.Repository
	Provider payment.Provider
	Audit    audit.Sink
	Mailer   Mailer
	Metrics  *Metrics
	// AlertEmail receives orphaned payment alerts.
	AlertEmail  string
	MaxAttempts int
}

// Materializer creates exactly one order and one transaction per settled
// payment, however many times and from however many callers it is invoked.
// Correctness rests on the unique payment reference of orders and
// transactions: a caller that loses the insert race rolls back, re-reads the
// winner's result and returns it.
type Materializer struct {
	store       Store
	carts       CartStore
	orders      order.Repository
	users       user.Repository
	products    product.Repository
	provider    payment.Provider
	audit       audit.Sink
	mailer      Mailer
	metrics     *Metrics
	alertEmail  string
	maxAttempts int
	now         func() time.Time
}

// NewMaterializer creates a Materializer.
func NewMaterializer(opts MaterializerOptions) *Materializer {
	if opts.Metrics == nil {
		opts.Metrics, _ = NewMetrics(noop.NewMeterProvider().Meter(""))
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Materializer{
		store:       opts.Store,
		carts:       opts.Carts,
		orders:      opts.Orders,
		users:       opts.Users,
		products:    opts.Products,
		provider:    opts.Provider,
		audit:       opts.Audit,
		mailer:      opts.Mailer,
		metrics:     opts.Metrics,
		alertEmail:  opts.AlertEmail,
		maxAttempts: opts.MaxAttempts,
		now:         time.Now,
	}
}

// CreateOrderFromPayment returns the order for a settled payment, creating
// it from the payment's cart on first use.
func (m *Materializer) CreateOrderFromPayment(ctx context.Context, req Request) (*Result, error) {
	if req.PaymentReference == "" {
		return nil, apperr.Validation("payment reference is required")
	}
	if req.Source == "" {
		req.Source = SourceCallback
	}
	ctx = zctx.With(ctx,
		zap.String("payment_reference", req.PaymentReference),
		zap.String("source", string(req.Source)),
	)

	for attempt := 1; ; attempt++ {
		res, err := m.attempt(ctx, req)
		if !errors.Is(err, ErrRaceLost) {
			return res, err
		}
		m.metrics.addConflict(ctx, req.Source)
		if attempt >= m.maxAttempts {
			return nil, errors.Wrapf(err, "after %d attempts", attempt)
		}
		zctx.From(ctx).Info("Payment reference race lost, re-reading", zap.Int("attempt", attempt))
	}
}

// RecordWebhook stores the provider-reported payment state and, for settled
// payments, materializes the order. It returns a nil Result for payments
// that are not settled.
func (m *Materializer) RecordWebhook(ctx context.Context, e WebhookEvent) (*Result, error) {
	if e.Reference == "" {
		return nil, apperr.Validation("payment reference is required")
	}
	now := m.now()
	if _, err := m.store.RecordTransaction(ctx, &payment.Transaction{
		ID:               uuid.New().String(),
		PaymentReference: e.Reference,
		Amount:           e.Amount,
		Currency:         e.Currency,
		Status:           e.State,
		Provider:         "vipps",
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		return nil, errors.Wrap(err, "record transaction")
	}
	if !e.State.Settled() {
		zctx.From(ctx).Info("Payment not settled, nothing to materialize",
			zap.String("payment_reference", e.Reference),
			zap.String("state", string(e.State)),
		)
		return nil, nil
	}
	return m.CreateOrderFromPayment(ctx, Request{PaymentReference: e.Reference, Source: SourceWebhook})
}

func (m *Materializer) attempt(ctx context.Context, req Request) (*Result, error) {
	lg := zctx.From(ctx)

	existing, err := m.linkedResult(ctx, req)
	if err != nil || (existing != nil && existing.Replayed) {
		return existing, err
	}
	var txn *payment.Transaction
	if existing != nil {
		txn = existing.Transaction
	}

	// Provider lookup and cart recovery are independent reads.
	var (
		details *payment.Details
		cart    *Cart
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := m.provider.GetPaymentDetails(gctx, req.PaymentReference)
		if err != nil {
			return &payment.ProviderError{Op: "get payment details", Err: err}
		}
		details = d
		return nil
	})
	g.Go(func() error {
		c, err := m.carts.FindByPaymentReference(gctx, req.PaymentReference)
		if errors.Is(err, ErrCartNotFound) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "find cart")
		}
		cart = c
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !details.State.Settled() {
		return nil, apperr.Validation("payment %s is %s and cannot be turned into an order", req.PaymentReference, details.State)
	}
	if cart == nil {
		m.orphaned(ctx, req, details)
		return nil, &OrphanedPaymentError{Reference: req.PaymentReference}
	}
	if cart.Completed() && cart.OrderID != "" {
		if txn == nil || !txn.Linked() {
			// Another caller committed after the transaction read above.
			return nil, ErrRaceLost
		}
		o, err := m.orders.Get(ctx, cart.OrderID)
		if err != nil {
			return nil, errors.Wrap(err, "get completed cart order")
		}
		m.metrics.addReplay(ctx, req.Source)
		return &Result{Order: o, Transaction: txn, Replayed: true}, nil
	}

	u, err := m.resolveUser(ctx, firstNonEmpty(req.UserID, cart.UserID), details)
	if err != nil {
		return nil, err
	}

	fetched, err := m.products.GetByIDs(ctx, productIDs(cart.Items))
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	lines, total, err := priceItems(cart.Items, product.Index(fetched))
	if err != nil {
		return nil, err
	}
	if err := checkAmount(cart.Currency, total, details); err != nil {
		return nil, err
	}

	now := m.now()
	o := &order.Order{
		ID:               uuid.New().String(),
		UserID:           u.ID,
		Status:           order.StatusDraft,
		Currency:         cart.Currency,
		PaymentReference: req.PaymentReference,
		PaymentMethod:    order.PaymentMethodVipps,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, l := range lines {
		l.OrderID = o.ID
		o.Lines = append(o.Lines, l)
	}
	if _, err := o.SetStatus(order.StatusVerified); err != nil {
		return nil, errors.Wrap(err, "verify order")
	}

	if txn == nil {
		txn = &payment.Transaction{
			ID:               uuid.New().String(),
			PaymentReference: req.PaymentReference,
			Amount:           details.AuthorizedAmount,
			Currency:         details.Currency,
			Status:           details.State,
			Provider:         "vipps",
			CreatedAt:        now,
		}
	}
	txn = cloneTransaction(txn)
	txn.OrderID = o.ID
	txn.UpdatedAt = now

	err = m.store.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateOrder(ctx, o); err != nil {
			return raceLost(err, "create order")
		}
		if existing != nil {
			attached, err := tx.AttachTransaction(ctx, req.PaymentReference, o.ID, now)
			if err != nil {
				return errors.Wrap(err, "attach transaction")
			}
			if !attached {
				return ErrRaceLost
			}
		} else if err := tx.CreateTransaction(ctx, txn); err != nil {
			return raceLost(err, "create transaction")
		}
		completed, err := tx.CompleteCart(ctx, cart.ID, o.ID, now)
		if err != nil {
			return errors.Wrap(err, "complete cart")
		}
		if !completed {
			lg.Warn("Cart already completed by another order", zap.String("cart_id", cart.ID))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.created(ctx, req, o, txn, u)
	return &Result{Order: o, Transaction: txn}, nil
}

// linkedResult returns a replayed result when the transaction is already
// linked, or a non-replayed result holding the unlinked transaction.
func (m *Materializer) linkedResult(ctx context.Context, req Request) (*Result, error) {
	txn, err := m.store.TransactionByReference(ctx, req.PaymentReference)
	if errors.Is(err, payment.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get transaction")
	}
	if !txn.Linked() {
		return &Result{Transaction: txn}, nil
	}
	o, err := m.orders.Get(ctx, txn.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "get linked order")
	}
	m.metrics.addReplay(ctx, req.Source)
	return &Result{Order: o, Transaction: txn, Replayed: true}, nil
}

// resolveUser returns the bound user or finds/creates one from the payer
// profile. Only the provider-verified email is trusted; addresses never are.
// An unverified payer email never resolves to a verified account.
func (m *Materializer) resolveUser(ctx context.Context, userID string, d *payment.Details) (*user.User, error) {
	if userID != "" {
		u, err := m.users.Get(ctx, userID)
		if err != nil {
			return nil, errors.Wrap(err, "get user")
		}
		return u, nil
	}

	if d.Profile == nil || strings.TrimSpace(d.Profile.Email) == "" {
		return nil, apperr.Validation("payment %s carries no payer email", d.Reference)
	}
	email := strings.ToLower(strings.TrimSpace(d.Profile.Email))

	u, err := m.users.FindByEmail(ctx, email)
	if err == nil {
		return claimUser(u, d.Profile)
	}
	if !errors.Is(err, user.ErrNotFound) {
		return nil, errors.Wrap(err, "find user")
	}

	u = &user.User{
		ID:            uuid.New().String(),
		Email:         email,
		EmailVerified: d.Profile.EmailVerified,
		Name:          d.Profile.Name,
		Phone:         d.Profile.Phone,
		CreatedAt:     m.now(),
	}
	if s := d.Shipping; s != nil {
		u.Address = &user.Address{
			Street:     s.Street,
			PostalCode: s.PostalCode,
			City:       s.City,
			Country:    s.Country,
			Verified:   false,
		}
	}
	switch err := m.users.Create(ctx, u); {
	case errors.Is(err, user.ErrEmailTaken):
		// Created concurrently by another callback for the same payer.
		u, err = m.users.FindByEmail(ctx, email)
		if err != nil {
			return nil, errors.Wrap(err, "find user after conflict")
		}
		return claimUser(u, d.Profile)
	case err != nil:
		return nil, errors.Wrap(err, "create user")
	}
	zctx.From(ctx).Info("Created user from payment profile", zap.String("user_id", u.ID))
	return u, nil
}

func claimUser(u *user.User, p *payment.Profile) (*user.User, error) {
	if u.EmailVerified && !p.EmailVerified {
		return nil, apperr.Validation("payer email %s is not verified by the payment provider, sign in to complete the order", u.Email)
	}
	return u, nil
}

func (m *Materializer) orphaned(ctx context.Context, req Request, d *payment.Details) {
	zctx.From(ctx).Error("Settled payment without cart",
		zap.String("state", string(d.State)),
		zap.Int64("amount", d.AuthorizedAmount),
	)
	m.metrics.addOrphaned(ctx, req.Source)
	audit.Record(ctx, m.audit, audit.Event{
		PaymentReference: req.PaymentReference,
		Data: audit.PaymentOrphaned{
			Amount:   d.AuthorizedAmount,
			Currency: d.Currency,
			State:    string(d.State),
			Source:   string(req.Source),
		},
		CreatedAt: m.now(),
	})
	sendEmail(ctx, m.mailer, Email{
		To:      m.alertEmail,
		Subject: "Orphaned payment " + req.PaymentReference,
		Body: fmt.Sprintf(
			"Payment %s is %s for %s but no cart was found. Create the order manually or refund the payment.",
			req.PaymentReference, d.State, money.Format(money.FromMinor(d.AuthorizedAmount), d.Currency),
		),
	})
}

func (m *Materializer) created(ctx context.Context, req Request, o *order.Order, txn *payment.Transaction, u *user.User) {
	zctx.From(ctx).Info("Order created from payment",
		zap.String("order_id", o.ID),
		zap.String("transaction_id", txn.ID),
	)
	m.metrics.addMaterialized(ctx, req.Source)

	now := m.now()
	for _, d := range []audit.Data{
		audit.OrderCreated{
			Status:   string(order.StatusDraft),
			Total:    o.Total().StringFixed(2),
			Currency: o.Currency,
			Lines:    len(o.Lines),
			Source:   string(req.Source),
		},
		audit.StatusChanged{From: string(order.StatusDraft), To: string(o.Status)},
		audit.PaymentLinked{
			TransactionID: txn.ID,
			Amount:        txn.Amount,
			Currency:      txn.Currency,
			Source:        string(req.Source),
		},
	} {
		audit.Record(ctx, m.audit, audit.Event{
			OrderID:          o.ID,
			PaymentReference: req.PaymentReference,
			Data:             d,
			CreatedAt:        now,
		})
	}

	sendEmail(ctx, m.mailer, Email{
		To:      u.Email,
		Subject: "Order confirmation",
		Body: fmt.Sprintf("Thank you for your order %s. Total paid: %s.",
			o.ID, money.Format(o.Total(), o.Currency)),
	})
}

// checkAmount accepts the payment when the authorized amount covers the
// catalog total.
func checkAmount(currency string, total decimal.Decimal, d *payment.Details) error {
	if d.Currency != "" && !strings.EqualFold(d.Currency, currency) {
		return apperr.Validation("payment currency %s does not match order currency %s", d.Currency, currency)
	}
	want := money.ToMinor(total)
	if d.AuthorizedAmount+amountTolerance < want {
		return apperr.Validation("authorized amount %s is less than order total %s",
			money.Format(money.FromMinor(d.AuthorizedAmount), currency),
			money.Format(total, currency),
		)
	}
	return nil
}

func raceLost(err error, op string) error {
	if errors.Is(err, payment.ErrDuplicateReference) {
		return ErrRaceLost
	}
	return errors.Wrap(err, op)
}

func cloneTransaction(t *payment.Transaction) *payment.Transaction {
	c := *t
	return &c
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
