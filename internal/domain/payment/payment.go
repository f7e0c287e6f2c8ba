// Package payment describes payment-provider state and the transaction
// records linking provider payments to orders.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrDuplicateReference is returned when a row with the same payment
	// reference already exists.
	ErrDuplicateReference = errors.New("duplicate payment reference")
	// ErrTransactionNotFound is returned when no transaction matches the reference.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// State is the provider-reported payment state.
type State string

const (
	StateCreated    State = "CREATED"
	StateAuthorized State = "AUTHORIZED"
	StateCaptured   State = "CAPTURED"
	StateAborted    State = "ABORTED"
	StateExpired    State = "EXPIRED"
	StateTerminated State = "TERMINATED"
)

// Settled reports whether money has moved and an order must exist.
func (s State) Settled() bool {
	return s == StateAuthorized || s == StateCaptured
}

// Profile is the payer identity shared by the provider.
type Profile struct {
	Sub   string
	Email string
	// EmailVerified is true only when the provider verified the email.
	EmailVerified bool
	Name          string
	Phone         string
}

// Address is a provider-supplied shipping address.
type Address struct {
	Street     string
	PostalCode string
	City       string
	Country    string
}

// Details is the provider view of a payment. Amounts are in minor units.
type Details struct {
	Reference        string
	State            State
	AuthorizedAmount int64
	Currency         string
	Profile          *Profile
	Shipping         *Address
}

// CreateRequest asks the provider to start a payment.
type CreateRequest struct {
	Reference   string
	Amount      int64
	Currency    string
	Description string
	ReturnURL   string
	Phone       string
}

// CreateResult is where the payer must be redirected to approve the payment.
type CreateResult struct {
	Reference   string
	RedirectURL string
}

// Provider is the payment-provider adapter.
type Provider interface {
	GetPaymentDetails(ctx context.Context, reference string) (*Details, error)
	CreatePayment(ctx context.Context, req CreateRequest) (*CreateResult, error)
}

// Transaction records a provider payment. OrderID is empty until the payment
// has been materialized into an order.
type Transaction struct {
	ID               string
	PaymentReference string
	OrderID          string
	Amount           int64
	Currency         string
	Status           State
	Provider         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Linked reports whether the transaction is attached to an order.
func (t *Transaction) Linked() bool {
	return t.OrderID != ""
}

// ProviderError wraps a failed call to the payment provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return "payment provider: " + e.Op + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
