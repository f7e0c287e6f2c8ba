package checkout

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrRaceLost is returned by an attempt that lost the race for a payment
// reference to a concurrent caller. It never leaves the Materializer.
var ErrRaceLost = errors.New("payment reference claimed concurrently")

// OrphanedPaymentError is returned when the provider reports a settled
// payment but no cart can be found for it. The payment is kept and handled
// manually; the message is safe to show to the payer.
type OrphanedPaymentError struct {
	Reference string
}

func (e *OrphanedPaymentError) Error() string {
	return fmt.Sprintf(
		"Your payment was received and your money is safe. We could not match it to your order automatically, "+
			"so our team will complete it manually and contact you shortly. Payment reference: %s",
		e.Reference,
	)
}
