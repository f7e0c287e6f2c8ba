package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/eventkart/internal/domain/apperr"
	"github.com/xenking/eventkart/internal/domain/audit"
	"github.com/xenking/eventkart/internal/domain/auth"
	"github.com/xenking/eventkart/internal/domain/product"
	"github.com/xenking/eventkart/internal/domain/registration"
	"github.com/xenking/eventkart/internal/domain/user"
)

// GetOptions selects related entities to load with an order.
type GetOptions struct {
	IncludeUser         bool
	IncludeRegistration bool
}

// View is an order with its optionally loaded relations.
type View struct {
	Order        *Order
	User         *user.User
	Registration *registration.Registration
}

// CreateRequest holds the input for ordering products on a registration.
type CreateRequest struct {
	RegistrationID string
	Lines          []Selection
}

// PatchRequest is a partial update. Nil fields are left untouched.
type PatchRequest struct {
	Status        *Status
	Comments      *string
	PaymentMethod *PaymentMethod
	InvoiceRef    *string
}

// Service implements order CRUD on top of the state machine and the
// reconciliation engine.
type Service struct {
	orders        Repository
	registrations registration.Repository
	products      product.Repository
	users         user.Repository
	audit         audit.Sink
	currency      string
	now           func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	orders Repository,
	registrations registration.Repository,
	products product.Repository,
	users user.Repository,
	sink audit.Sink,
	currency string,
) *Service {
	return &Service{
		orders:        orders,
		registrations: registrations,
		products:      products,
		users:         users,
		audit:         sink,
		currency:      currency,
		now:           time.Now,
	}
}

// Get returns the order visible to the caller.
func (s *Service) Get(ctx context.Context, id string, opts GetOptions) (*View, error) {
	o, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &View{Order: o}
	if opts.IncludeUser && o.UserID != "" {
		u, err := s.users.Get(ctx, o.UserID)
		if err != nil && !errors.Is(err, user.ErrNotFound) {
			return nil, errors.Wrap(err, "get user")
		}
		v.User = u
	}
	if opts.IncludeRegistration && o.RegistrationID != "" {
		r, err := s.registrations.Get(ctx, o.RegistrationID)
		if err != nil && !errors.Is(err, registration.ErrNotFound) {
			return nil, errors.Wrap(err, "get registration")
		}
		v.Registration = r
	}
	return v, nil
}

// Create reconciles the registration's orders towards the requested lines.
// An existing editable order is rewritten; otherwise a new draft order is
// created holding the deltas against what was already invoiced.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	caller := auth.FromContext(ctx)
	if !caller.Authenticated() {
		return nil, apperr.ErrUnauthenticated
	}

	reg, err := s.registrations.Get(ctx, req.RegistrationID)
	if errors.Is(err, registration.ErrNotFound) {
		return nil, apperr.Validation("registration %s not found", req.RegistrationID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get registration")
	}
	if !caller.CanAccess(reg.UserID) {
		return nil, apperr.ErrForbidden
	}

	res, err := s.reconcile(ctx, reg, req.Lines, caller.Admin, "")
	if err != nil {
		return nil, err
	}
	if res.Order == nil {
		return nil, apperr.Validation("nothing to order: registration %s already holds the requested products", reg.ID)
	}
	return res.Order, nil
}

// Update replaces the lines of an editable order through reconciliation.
// Admins may update orders in any status; invoiced lines are still never
// modified and the changes land in a new order instead.
func (s *Service) Update(ctx context.Context, id string, lines []Selection) (*Order, error) {
	o, caller, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !o.CanEdit() && !caller.Admin {
		return nil, apperr.Validation("Order %s cannot be updated being in %s status", o.ID, o.Status)
	}
	if o.RegistrationID == "" {
		return nil, apperr.Validation("Order %s is not attached to a registration", o.ID)
	}

	reg, err := s.registrations.Get(ctx, o.RegistrationID)
	if err != nil {
		return nil, errors.Wrap(err, "get registration")
	}
	res, err := s.reconcile(ctx, reg, lines, caller.Admin, o.ID)
	if err != nil {
		return nil, err
	}
	if res.Order == nil {
		return o, nil
	}
	return res.Order, nil
}

// Patch applies a partial update. Status changes other than cancellation
// require admin rights. Only changed fields are written and audited.
func (s *Service) Patch(ctx context.Context, id string, req PatchRequest) (*Order, error) {
	o, caller, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	from := o.Status
	var statusChanged bool
	if next := req.Status; next != nil {
		if statusChanged, err = Transition(o.Status, *next); err != nil {
			return nil, err
		}
		if statusChanged && *next != StatusCancelled && !caller.Admin {
			return nil, apperr.ErrForbidden
		}
		o.Status = *next
	}

	var fields []string
	if req.Comments != nil && *req.Comments != o.Comments {
		o.Comments = *req.Comments
		fields = append(fields, "comments")
	}
	if req.PaymentMethod != nil && *req.PaymentMethod != o.PaymentMethod {
		o.PaymentMethod = *req.PaymentMethod
		fields = append(fields, "paymentMethod")
	}
	if req.InvoiceRef != nil && *req.InvoiceRef != o.InvoiceRef {
		if !caller.Admin {
			return nil, apperr.ErrForbidden
		}
		o.InvoiceRef = *req.InvoiceRef
		fields = append(fields, "invoiceRef")
	}

	if !statusChanged && len(fields) == 0 {
		return o, nil
	}

	o.UpdatedAt = s.now()
	if err := s.orders.Update(ctx, o, from); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, changedConcurrently(o.ID)
		}
		return nil, errors.Wrap(err, "update order")
	}
	if statusChanged {
		s.record(ctx, o.ID, audit.StatusChanged{From: string(from), To: string(o.Status)})
	}
	if len(fields) > 0 {
		s.record(ctx, o.ID, audit.OrderUpdated{Fields: fields})
	}
	return o, nil
}

// Cancel sets the order status to cancelled. Cancelling a cancelled order
// is a no-op.
func (s *Service) Cancel(ctx context.Context, id string) (*Order, error) {
	st := StatusCancelled
	return s.Patch(ctx, id, PatchRequest{Status: &st})
}

// load fetches an order and checks that the caller may act on it.
func (s *Service) load(ctx context.Context, id string) (*Order, auth.Caller, error) {
	caller := auth.FromContext(ctx)
	if !caller.Authenticated() {
		return nil, caller, apperr.ErrUnauthenticated
	}
	o, err := s.orders.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, caller, apperr.NotFound("order", id)
	}
	if err != nil {
		return nil, caller, errors.Wrap(err, "get order")
	}
	if !caller.CanAccess(o.UserID) {
		return nil, caller, apperr.ErrForbidden
	}
	return o, caller, nil
}

func (s *Service) reconcile(
	ctx context.Context,
	reg *registration.Registration,
	lines []Selection,
	privileged bool,
	target string,
) (*ReconcileResult, error) {
	orders, err := s.orders.ListByRegistration(ctx, reg.ID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	catalog, err := s.products.ListByEvent(ctx, reg.EventID)
	if err != nil {
		return nil, errors.Wrap(err, "list event products")
	}

	res, err := Reconcile(ReconcileInput{
		RegistrationID: reg.ID,
		UserID:         reg.UserID,
		EventID:        reg.EventID,
		Currency:       s.currency,
		Orders:         orders,
		Desired:        lines,
		Catalog:        product.Index(catalog),
		Privileged:     privileged,
		Target:         target,
		Now:            s.now(),
	})
	if err != nil {
		return nil, err
	}
	if res.Order == nil || !res.Changed() {
		return res, nil
	}

	o := res.Order
	if res.Created {
		if err := s.orders.Create(ctx, o); err != nil {
			return nil, errors.Wrap(err, "create order")
		}
		s.record(ctx, o.ID, audit.OrderCreated{
			Status:   string(o.Status),
			Total:    o.Total().StringFixed(2),
			Currency: o.Currency,
			Lines:    len(o.Lines),
			Source:   "registration",
		})
	} else if err := s.orders.ReplaceLines(ctx, o); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			return nil, changedConcurrently(o.ID)
		}
		return nil, errors.Wrap(err, "replace order lines")
	}
	s.record(ctx, o.ID, audit.LinesReconciled{
		Added:   res.Added,
		Updated: res.Updated,
		Removed: res.Removed,
		Before:  res.Before,
		After:   res.After,
	})

	zctx.From(ctx).Info("Order lines reconciled",
		zap.String("order_id", o.ID),
		zap.String("registration_id", reg.ID),
		zap.Bool("created", res.Created),
		zap.String("delta", fmt.Sprintf("+%d ~%d -%d", res.Added, res.Updated, res.Removed)),
	)
	return res, nil
}

func changedConcurrently(id string) error {
	return apperr.Validation("Order %s was changed by another request, reload it and try again", id)
}

func (s *Service) record(ctx context.Context, orderID string, d audit.Data) {
	audit.Record(ctx, s.audit, audit.Event{OrderID: orderID, Data: d, CreatedAt: s.now()})
}
