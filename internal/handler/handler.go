// Package handler exposes the order, checkout and payment callback API over
// HTTP.
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/audit"
	"github.com/xenking/eventkart/internal/domain/checkout"
	"github.com/xenking/eventkart/internal/domain/order"
	"github.com/xenking/eventkart/internal/domain/payment"
	"github.com/xenking/eventkart/pkg/httpmiddleware"
)

const maxBodyBytes = 1 << 20

// OrderService is the order use-case surface.
type OrderService interface {
	Get(ctx context.Context, id string, opts order.GetOptions) (*order.View, error)
	Create(ctx context.Context, req order.CreateRequest) (*order.Order, error)
	Update(ctx context.Context, id string, lines []order.Selection) (*order.Order, error)
	Patch(ctx context.Context, id string, req order.PatchRequest) (*order.Order, error)
	Cancel(ctx context.Context, id string) (*order.Order, error)
}

// CheckoutService starts web-shop checkouts.
type CheckoutService interface {
	Start(ctx context.Context, req checkout.StartRequest) (*checkout.StartResult, error)
}

// Materializer turns settled payments into orders.
type Materializer interface {
	CreateOrderFromPayment(ctx context.Context, req checkout.Request) (*checkout.Result, error)
	RecordWebhook(ctx context.Context, e checkout.WebhookEvent) (*checkout.Result, error)
}

// AuditLog reads the history of an order.
type AuditLog interface {
	ListByOrder(ctx context.Context, orderID string) ([]audit.Event, error)
}

// Config holds non-dependency handler settings.
type Config struct {
	// WebhookSecret signs provider webhooks. Webhooks are refused when empty.
	WebhookSecret string
}

// Handler serves the API.
type Handler struct {
	cfg          Config
	orders       OrderService
	checkout     CheckoutService
	materializer Materializer
	audit        AuditLog
}

// New creates a Handler.
func New(cfg Config, orders OrderService, co CheckoutService, m Materializer, log AuditLog) *Handler {
	return &Handler{
		cfg:          cfg,
		orders:       orders,
		checkout:     co,
		materializer: m,
		audit:        log,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	for _, r := range []struct {
		pattern string
		fn      http.HandlerFunc
	}{
		{"POST /api/orders", h.createOrder},
		{"GET /api/orders/{id}", h.getOrder},
		{"PUT /api/orders/{id}", h.updateOrder},
		{"PATCH /api/orders/{id}", h.patchOrder},
		{"DELETE /api/orders/{id}", h.cancelOrder},
		{"GET /api/orders/{id}/events", h.orderEvents},
		{"POST /api/checkout", h.startCheckout},
		{"GET /api/payments/vipps/return", h.vippsReturn},
		{"POST /api/payments/vipps/webhook", h.vippsWebhook},
	} {
		mux.Handle(r.pattern, httpmiddleware.Route(r.pattern, r.fn))
	}
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorStatus maps domain errors to a status code and a client message.
func errorStatus(err error) (int, string) {
	var (
		orphaned   *checkout.OrphanedPaymentError
		validation *apperr.ValidationError
		transition *order.InvalidTransitionError
		notFound   *apperr.NotFoundError
		provider   *payment.ProviderError
	)
	switch {
	case errors.As(err, &orphaned):
		return http.StatusAccepted, orphaned.Error()
	case errors.As(err, &validation):
		return http.StatusBadRequest, validation.Reason
	case errors.As(err, &transition):
		return http.StatusBadRequest, transition.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, notFound.Error()
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden, "access denied"
	case errors.As(err, &provider):
		return http.StatusBadGateway, "payment provider is unavailable, please retry"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := errorStatus(err)
	lg := zctx.From(r.Context())
	switch {
	case code >= http.StatusInternalServerError:
		lg.Error("Request failed", zap.Error(err))
	case code == http.StatusAccepted:
		lg.Warn("Request accepted without result", zap.Error(err))
	default:
		lg.Debug("Request rejected", zap.Int("status", code), zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

// decodeBytes decodes provider payloads, which may carry fields we ignore.
func decodeBytes(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}
