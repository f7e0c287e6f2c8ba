package auth

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// ErrKeyNotFound is returned when no active key matches a hash.
var ErrKeyNotFound = errors.New("api key not found")

// ScopeAdmin grants the elevated capability: access to every order, editing
// of non-editable orders and bypassing minimum quantities.
const ScopeAdmin = "admin"

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	// UserID binds the key to an end user; empty for service keys.
	UserID string
	Scopes []string
}

// Caller returns the request identity derived from the key.
func (i *APIKeyInfo) Caller() Caller {
	return Caller{
		KeyID:  i.ID,
		UserID: i.UserID,
		Admin:  slices.Contains(i.Scopes, ScopeAdmin),
	}
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// Caller is the authenticated identity performing a request.
type Caller struct {
	KeyID  string
	UserID string
	Admin  bool
}

// Authenticated reports whether the caller carries a validated key.
func (c Caller) Authenticated() bool {
	return c.KeyID != ""
}

// CanAccess reports whether the caller may act on a resource owned by ownerID.
func (c Caller) CanAccess(ownerID string) bool {
	return c.Admin || (ownerID != "" && c.UserID == ownerID)
}

type callerKey struct{}

// WithCaller attaches the caller to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// FromContext returns the caller attached to ctx, or the zero Caller.
func FromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}
