// Package user describes the customer directory consumed by checkout and
// order lookups.
package user

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when no user matches the lookup.
	ErrNotFound = errors.New("user not found")
	// ErrEmailTaken is returned by Create when another user owns the email.
	ErrEmailTaken = errors.New("email already registered")
)

// User is a customer account.
type User struct {
	ID    string
	Email string
	// EmailVerified is only set when the email came from a provider
	// identity-verification flow.
	EmailVerified bool
	Name          string
	Phone         string
	Address       *Address
	CreatedAt     time.Time
}

// Address is a postal address. Addresses supplied by payment providers are
// never treated as verified.
type Address struct {
	Street     string `json:"street"`
	PostalCode string `json:"postal_code"`
	City       string `json:"city"`
	Country    string `json:"country"`
	Verified   bool   `json:"verified"`
}

// Repository is the user directory.
type Repository interface {
	Get(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, u *User) error
}
