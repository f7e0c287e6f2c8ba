package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/eventkart/internal/domain/money"
	"github.com/xenking/eventkart/internal/domain/payment"
	"github.com/xenking/eventkart/internal/domain/product"
)

// StartRequest holds the input for starting a web-shop checkout.
type StartRequest struct {
	Items []CartItem
	// UserID binds the checkout to a signed-in user.
	UserID string
	Phone  string
}

// StartResult is the created cart and the provider approval URL.
type StartResult struct {
	Cart        *Cart
	Total       int64
	RedirectURL string
}

// ServiceConfig holds checkout settings.
type ServiceConfig struct {
	Currency  string
	ReturnURL string
	// Organization is shown to the payer as the merchant of the order.
	Organization string
}

// Service starts checkouts: it stores the cart under a fresh payment
// reference and asks the provider to create the payment.
type Service struct {
	cfg      ServiceConfig
	carts    CartStore
	products product.Repository
	provider payment.Provider
	now      func() time.Time
}

// NewService creates a checkout Service.
func NewService(cfg ServiceConfig, carts CartStore, products product.Repository, provider payment.Provider) *Service {
	return &Service{
		cfg:      cfg,
		carts:    carts,
		products: products,
		provider: provider,
		now:      time.Now,
	}
}

// Start prices the items, stores the cart and creates the provider payment.
// The cart is stored first so the payment can always be recovered by its
// reference.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	fetched, err := s.products.GetByIDs(ctx, productIDs(req.Items))
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	_, total, err := priceItems(req.Items, product.Index(fetched))
	if err != nil {
		return nil, err
	}

	cart := &Cart{
		ID:               uuid.New().String(),
		PaymentReference: uuid.New().String(),
		UserID:           req.UserID,
		Items:            req.Items,
		Currency:         s.cfg.Currency,
		CreatedAt:        s.now(),
	}
	if err := s.carts.Create(ctx, cart); err != nil {
		return nil, errors.Wrap(err, "create cart")
	}

	amount := money.ToMinor(total)
	created, err := s.provider.CreatePayment(ctx, payment.CreateRequest{
		Reference:   cart.PaymentReference,
		Amount:      amount,
		Currency:    cart.Currency,
		Description: s.description(cart),
		ReturnURL:   s.cfg.ReturnURL,
		Phone:       req.Phone,
	})
	if err != nil {
		return nil, &payment.ProviderError{Op: "create payment", Err: err}
	}

	zctx.From(ctx).Info("Checkout started",
		zap.String("payment_reference", cart.PaymentReference),
		zap.Int64("amount", amount),
	)
	return &StartResult{Cart: cart, Total: amount, RedirectURL: created.RedirectURL}, nil
}

func (s *Service) description(c *Cart) string {
	if s.cfg.Organization == "" {
		return "Order " + c.PaymentReference
	}
	return s.cfg.Organization + " order " + c.PaymentReference
}
