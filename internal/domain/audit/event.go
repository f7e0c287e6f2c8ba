// Package audit is the append-only business event log. Events are tagged
// variants: the concrete Data type determines the event type and payload.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Type names an event kind. It doubles as the Kafka message type.
type Type string

const (
	TypeOrderCreated         Type = "order.created"
	TypeOrderStatusChanged   Type = "order.status_changed"
	TypeOrderLinesReconciled Type = "order.lines_reconciled"
	TypeOrderUpdated         Type = "order.updated"
	TypePaymentLinked        Type = "payment.order_linked"
	TypePaymentOrphaned      Type = "payment.orphaned"
)

// Data is the typed payload of an event.
type Data interface {
	EventType() Type
}

// Event is a single audit log entry.
type Event struct {
	ID               int64
	OrderID          string
	PaymentReference string
	Data             Data
	CreatedAt        time.Time
}

// Type returns the event kind.
func (e Event) Type() Type {
	return e.Data.EventType()
}

// OrderCreated records a newly persisted order.
type OrderCreated struct {
	Status   string `json:"status"`
	Total    string `json:"total"`
	Currency string `json:"currency"`
	Lines    int    `json:"lines"`
	Source   string `json:"source"`
}

// StatusChanged records a validated status transition.
type StatusChanged struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// LinesReconciled records a line change produced by reconciliation. Before
// and After are the registration's current product quantities by item code.
type LinesReconciled struct {
	Added   int            `json:"added"`
	Updated int            `json:"updated"`
	Removed int            `json:"removed"`
	Before  map[string]int `json:"before"`
	After   map[string]int `json:"after"`
}

// OrderUpdated records changed non-status fields.
type OrderUpdated struct {
	Fields []string `json:"fields"`
}

// PaymentLinked records the order/transaction pair created for a payment.
type PaymentLinked struct {
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Source        string `json:"source"`
}

// PaymentOrphaned records an authorized payment without a recoverable cart.
type PaymentOrphaned struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	State    string `json:"state"`
	Source   string `json:"source"`
}

func (OrderCreated) EventType() Type    { return TypeOrderCreated }
func (StatusChanged) EventType() Type   { return TypeOrderStatusChanged }
func (LinesReconciled) EventType() Type { return TypeOrderLinesReconciled }
func (OrderUpdated) EventType() Type    { return TypeOrderUpdated }
func (PaymentLinked) EventType() Type   { return TypePaymentLinked }
func (PaymentOrphaned) EventType() Type { return TypePaymentOrphaned }

// Encode serializes the event payload.
func Encode(d Data) ([]byte, error) {
	return json.Marshal(d)
}

// Decode restores a typed payload.
func Decode(t Type, payload []byte) (Data, error) {
	var d Data
	switch t {
	case TypeOrderCreated:
		d = &OrderCreated{}
	case TypeOrderStatusChanged:
		d = &StatusChanged{}
	case TypeOrderLinesReconciled:
		d = &LinesReconciled{}
	case TypeOrderUpdated:
		d = &OrderUpdated{}
	case TypePaymentLinked:
		d = &PaymentLinked{}
	case TypePaymentOrphaned:
		d = &PaymentOrphaned{}
	default:
		return nil, errors.Errorf("unknown event type %q", t)
	}
	if err := json.Unmarshal(payload, d); err != nil {
		return nil, errors.Wrapf(err, "decode %s", t)
	}
	return d, nil
}

// Sink appends events to the log.
type Sink interface {
	Append(ctx context.Context, e Event) error
}

// Record appends e to sink. Failures are logged and swallowed: the audit
// log must never roll back the operation it describes.
func Record(ctx context.Context, sink Sink, e Event) {
	if err := sink.Append(ctx, e); err != nil {
		zctx.From(ctx).Warn("Audit append failed",
			zap.String("type", string(e.Type())),
			zap.String("order_id", e.OrderID),
			zap.String("payment_reference", e.PaymentReference),
			zap.Error(err),
		)
	}
}
