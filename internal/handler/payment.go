package handler

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/auth"
	"github.com/xenking/eventkart/internal/domain/checkout"
	"github.com/xenking/eventkart/internal/domain/money"
	"github.com/xenking/eventkart/internal/domain/payment"
)

type checkoutRequest struct {
	Items []selectionJSON `json:"items"`
	Phone string          `json:"phone,omitempty"`
}

type checkoutResponse struct {
	PaymentReference string `json:"paymentReference"`
	Amount           int64  `json:"amount"`
	Total            string `json:"total"`
	Currency         string `json:"currency"`
	RedirectURL      string `json:"redirectUrl"`
}

// startCheckout creates a cart and a provider payment. Anonymous callers may
// check out; the payer profile then identifies them.
func (h *Handler) startCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]checkout.CartItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = checkout.CartItem{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity}
	}
	res, err := h.checkout.Start(r.Context(), checkout.StartRequest{
		Items:  items,
		UserID: auth.FromContext(r.Context()).UserID,
		Phone:  req.Phone,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResponse{
		PaymentReference: res.Cart.PaymentReference,
		Amount:           res.Total,
		Total:            money.Format(money.FromMinor(res.Total), res.Cart.Currency),
		Currency:         res.Cart.Currency,
		RedirectURL:      res.RedirectURL,
	})
}

type paymentOrderResponse struct {
	Order         orderJSON `json:"order"`
	TransactionID string    `json:"transactionId"`
	Replayed      bool      `json:"replayed"`
}

// vippsReturn is where the payer lands after approving the payment. It
// materializes the order, so reloading the page is harmless.
func (h *Handler) vippsReturn(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("reference"))
	if ref == "" {
		writeError(w, r, apperr.Validation("reference is required"))
		return
	}
	res, err := h.materializer.CreateOrderFromPayment(r.Context(), checkout.Request{
		PaymentReference: ref,
		UserID:           auth.FromContext(r.Context()).UserID,
		Source:           checkout.SourceCallback,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := paymentOrderResponse{
		Order:    toOrderJSON(res.Order),
		Replayed: res.Replayed,
	}
	if res.Transaction != nil {
		out.TransactionID = res.Transaction.ID
	}
	writeJSON(w, http.StatusOK, out)
}

type webhookAmount struct {
	Currency string `json:"currency"`
	Value    int64  `json:"value"`
}

type webhookRequest struct {
	MSN          string        `json:"msn"`
	Reference    string        `json:"reference"`
	PSPReference string        `json:"pspReference"`
	Name         string        `json:"name"`
	Amount       webhookAmount `json:"amount"`
	Timestamp    time.Time     `json:"timestamp"`
	Success      bool          `json:"success"`
}

type webhookResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId,omitempty"`
}

// vippsWebhook records provider notifications. The body must be signed with
// the shared webhook secret.
func (h *Handler) vippsWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, apperr.Validation("read body: %v", err))
		return
	}
	if !validSignature([]byte(h.cfg.WebhookSecret), body, r.Header.Get(SignatureHeader)) {
		writeError(w, r, apperr.ErrUnauthenticated)
		return
	}

	var req webhookRequest
	if err := decodeBytes(body, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Success {
		writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored"})
		return
	}

	res, err := h.materializer.RecordWebhook(r.Context(), checkout.WebhookEvent{
		Reference: req.Reference,
		State:     webhookState(req.Name),
		Amount:    req.Amount.Value,
		Currency:  req.Amount.Currency,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := webhookResponse{Status: "recorded"}
	if res != nil && res.Order != nil {
		out = webhookResponse{Status: "linked", OrderID: res.Order.ID}
	}
	writeJSON(w, http.StatusOK, out)
}

// webhookState maps the event name to the payment state it leaves behind.
func webhookState(name string) payment.State {
	switch strings.ToUpper(name) {
	case "CREATED":
		return payment.StateCreated
	case "AUTHORIZED":
		return payment.StateAuthorized
	case "CAPTURED":
		return payment.StateCaptured
	case "ABORTED", "CANCELLED":
		return payment.StateAborted
	case "EXPIRED":
		return payment.StateExpired
	default:
		return payment.StateTerminated
	}
}
