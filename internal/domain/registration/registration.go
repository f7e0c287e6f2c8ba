// Package registration holds the event-registration context that owns
// reconciled orders.
package registration

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a registration does not exist.
var ErrNotFound = errors.New("registration not found")

// Registration is a participant's sign-up for an event.
type Registration struct {
	ID        string
	EventID   int64
	UserID    string
	CreatedAt time.Time
}

// Repository provides registration lookups.
type Repository interface {
	Get(ctx context.Context, id string) (*Registration, error)
}
