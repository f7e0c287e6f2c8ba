package order

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusVerified  Status = "verified"
	StatusInvoiced  Status = "invoiced"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusDraft:    {StatusVerified, StatusCancelled},
	StatusVerified: {StatusInvoiced, StatusCancelled},
	StatusInvoiced: {StatusRefunded, StatusCancelled},
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDraft, StatusVerified, StatusInvoiced, StatusCancelled, StatusRefunded:
		return st, nil
	default:
		return "", errors.Errorf("unknown order status %q", s)
	}
}

// Editable reports whether lines of an order in this status may change.
func (s Status) Editable() bool {
	return s == StatusDraft || s == StatusVerified
}

// Invoiced reports whether lines of an order in this status count as invoiced.
func (s Status) Invoiced() bool {
	return s == StatusInvoiced || s == StatusRefunded
}

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	if e.To == StatusDraft {
		return "Orders cannot be set as draft"
	}
	return fmt.Sprintf("Order status cannot change from %s to %s", e.From, e.To)
}

// Transition validates moving from the current status to next. It returns
// changed=false without error when next equals current, so retried status
// updates are harmless. Draft is never a valid target.
func Transition(current, next Status) (changed bool, err error) {
	if next == StatusDraft {
		return false, &InvalidTransitionError{From: current, To: next}
	}
	if next == current {
		return false, nil
	}
	for _, allowed := range transitions[current] {
		if allowed == next {
			return true, nil
		}
	}
	return false, &InvalidTransitionError{From: current, To: next}
}

// SetStatus applies a validated transition to o. The returned flag reports
// whether the status actually changed; audit recording is left to the caller.
func (o *Order) SetStatus(next Status) (bool, error) {
	changed, err := Transition(o.Status, next)
	if err != nil || !changed {
		return false, err
	}
	o.Status = next
	return true, nil
}
