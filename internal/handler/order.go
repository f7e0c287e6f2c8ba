package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/audit"
	"github.com/xenking/eventkart/internal/domain/auth"
	"github.com/xenking/eventkart/internal/domain/order"
	"github.com/xenking/eventkart/internal/domain/registration"
	"github.com/xenking/eventkart/internal/domain/user"
)

type selectionJSON struct {
	ProductID int64 `json:"productId"`
	VariantID int64 `json:"productVariantId,omitempty"`
	Quantity  int   `json:"quantity"`
}

func toSelections(in []selectionJSON) []order.Selection {
	out := make([]order.Selection, len(in))
	for i, s := range in {
		out[i] = order.Selection{ProductID: s.ProductID, VariantID: s.VariantID, Quantity: s.Quantity}
	}
	return out
}

type createOrderRequest struct {
	RegistrationID string          `json:"registrationId"`
	Lines          []selectionJSON `json:"lines"`
}

type updateOrderRequest struct {
	Lines []selectionJSON `json:"lines"`
}

type patchOrderRequest struct {
	Status        *string `json:"status"`
	Comments      *string `json:"comments"`
	PaymentMethod *string `json:"paymentMethod"`
	InvoiceRef    *string `json:"invoiceRef"`
}

type lineJSON struct {
	ID                  string `json:"id"`
	ProductID           int64  `json:"productId"`
	VariantID           int64  `json:"variantId,omitempty"`
	ProductName         string `json:"productName"`
	VariantName         string `json:"variantName,omitempty"`
	Quantity            int    `json:"quantity"`
	Price               string `json:"price"`
	VATPercent          string `json:"vatPercent"`
	Total               string `json:"total"`
	CorrectionOf        string `json:"correctionOf,omitempty"`
	CorrectionOfOrderID string `json:"correctionOfOrderId,omitempty"`
}

type userJSON struct {
	ID            string        `json:"id"`
	Email         string        `json:"email"`
	EmailVerified bool          `json:"emailVerified"`
	Name          string        `json:"name,omitempty"`
	Phone         string        `json:"phone,omitempty"`
	Address       *user.Address `json:"address,omitempty"`
}

type registrationJSON struct {
	ID      string `json:"id"`
	EventID int64  `json:"eventId"`
	UserID  string `json:"userId"`
}

type orderJSON struct {
	ID               string            `json:"id"`
	RegistrationID   string            `json:"registrationId,omitempty"`
	UserID           string            `json:"userId,omitempty"`
	Status           string            `json:"status"`
	Currency         string            `json:"currency"`
	Total            string            `json:"total"`
	PaymentMethod    string            `json:"paymentMethod,omitempty"`
	PaymentReference string            `json:"paymentReference,omitempty"`
	InvoiceRef       string            `json:"invoiceRef,omitempty"`
	Comments         string            `json:"comments,omitempty"`
	Lines            []lineJSON        `json:"lines"`
	User             *userJSON         `json:"user,omitempty"`
	Registration     *registrationJSON `json:"registration,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func toOrderJSON(o *order.Order) orderJSON {
	out := orderJSON{
		ID:               o.ID,
		RegistrationID:   o.RegistrationID,
		UserID:           o.UserID,
		Status:           string(o.Status),
		Currency:         o.Currency,
		Total:            o.Total().StringFixed(2),
		PaymentMethod:    string(o.PaymentMethod),
		PaymentReference: o.PaymentReference,
		InvoiceRef:       o.InvoiceRef,
		Comments:         o.Comments,
		Lines:            make([]lineJSON, len(o.Lines)),
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}
	for i, l := range o.Lines {
		out.Lines[i] = lineJSON{
			ID:                  l.ID,
			ProductID:           l.ProductID,
			VariantID:           l.VariantID,
			ProductName:         l.ProductName,
			VariantName:         l.VariantName,
			Quantity:            l.Quantity,
			Price:               l.Price.StringFixed(2),
			VATPercent:          l.VATPercent.String(),
			Total:               l.Total().StringFixed(2),
			CorrectionOf:        l.CorrectionOf,
			CorrectionOfOrderID: l.CorrectionOfOrderID,
		}
	}
	return out
}

func toViewJSON(v *order.View) orderJSON {
	out := toOrderJSON(v.Order)
	if u := v.User; u != nil {
		out.User = &userJSON{
			ID:            u.ID,
			Email:         u.Email,
			EmailVerified: u.EmailVerified,
			Name:          u.Name,
			Phone:         u.Phone,
			Address:       u.Address,
		}
	}
	if r := v.Registration; r != nil {
		out.Registration = registrationView(r)
	}
	return out
}

func registrationView(r *registration.Registration) *registrationJSON {
	return &registrationJSON{ID: r.ID, EventID: r.EventID, UserID: r.UserID}
}

// getOrder serves GET /api/orders/{id}?include=user,registration.
func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	var opts order.GetOptions
	for _, inc := range strings.Split(r.URL.Query().Get("include"), ",") {
		switch strings.TrimSpace(inc) {
		case "user":
			opts.IncludeUser = true
		case "registration":
			opts.IncludeRegistration = true
		}
	}
	v, err := h.orders.Get(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toViewJSON(v))
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.RegistrationID == "" {
		writeError(w, r, apperr.Validation("registrationId is required"))
		return
	}
	o, err := h.orders.Create(r.Context(), order.CreateRequest{
		RegistrationID: req.RegistrationID,
		Lines:          toSelections(req.Lines),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderJSON(o))
}

func (h *Handler) updateOrder(w http.ResponseWriter, r *http.Request) {
	var req updateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := h.orders.Update(r.Context(), r.PathValue("id"), toSelections(req.Lines))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

func (h *Handler) patchOrder(w http.ResponseWriter, r *http.Request) {
	var body patchOrderRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	req := order.PatchRequest{Comments: body.Comments, InvoiceRef: body.InvoiceRef}
	if body.Status != nil {
		st, err := order.ParseStatus(*body.Status)
		if err != nil {
			writeError(w, r, apperr.Validation("%v", err))
			return
		}
		req.Status = &st
	}
	if body.PaymentMethod != nil {
		pm, err := order.ParsePaymentMethod(*body.PaymentMethod)
		if err != nil {
			writeError(w, r, apperr.Validation("%v", err))
			return
		}
		req.PaymentMethod = &pm
	}
	o, err := h.orders.Patch(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

// cancelOrder serves DELETE: orders are cancelled, never removed.
func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderJSON(o))
}

type eventJSON struct {
	ID               int64      `json:"id"`
	Type             audit.Type `json:"type"`
	PaymentReference string     `json:"paymentReference,omitempty"`
	Data             audit.Data `json:"data"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// orderEvents serves the audit history of an order to admins.
func (h *Handler) orderEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.orders.Get(r.Context(), id, order.GetOptions{}); err != nil {
		writeError(w, r, err)
		return
	}
	if !auth.FromContext(r.Context()).Admin {
		writeError(w, r, apperr.ErrForbidden)
		return
	}
	events, err := h.audit.ListByOrder(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]eventJSON, len(events))
	for i, e := range events {
		out[i] = eventJSON{
			ID:               e.ID,
			Type:             e.Type(),
			PaymentReference: e.PaymentReference,
			Data:             e.Data,
			CreatedAt:        e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}
