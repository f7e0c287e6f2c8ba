package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/eventkart/internal/domain/audit"
)

const (
	insertAuditEventSQL = `INSERT INTO audit_events (type, order_id, payment_reference, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	listPendingAuditEventsSQL = `SELECT id, type, COALESCE(order_id, ''), COALESCE(payment_reference, ''),
		payload, created_at
		FROM audit_events WHERE published_at IS NULL ORDER BY id LIMIT $1`

	markAuditEventsPublishedSQL = `UPDATE audit_events SET published_at = $2 WHERE id = ANY($1)`

	listAuditEventsByOrderSQL = `SELECT id, type, COALESCE(order_id, ''), COALESCE(payment_reference, ''),
		payload, created_at
		FROM audit_events WHERE order_id = $1 ORDER BY id`
)

var _ audit.Sink = (*AuditRepository)(nil)

// AuditRepository is the append-only audit log and the outbox the relay
// publishes from.
type AuditRepository struct {
	db DB
}

// NewAuditRepository returns an AuditRepository that uses the given connection.
func NewAuditRepository(db DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append stores an event.
func (r *AuditRepository) Append(ctx context.Context, e audit.Event) error {
	payload, err := audit.Encode(e.Data)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = r.db.Exec(ctx, insertAuditEventSQL,
		string(e.Type()), nullString(e.OrderID), nullString(e.PaymentReference), payload, createdAt,
	)
	if err != nil {
		return errors.Wrapf(err, "insert %s event", e.Type())
	}
	return nil
}

// FetchPending returns up to limit unpublished events, oldest first.
func (r *AuditRepository) FetchPending(ctx context.Context, limit int) ([]audit.Event, error) {
	rows, err := r.db.Query(ctx, listPendingAuditEventsSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list pending events")
	}
	events, err := pgx.CollectRows(rows, scanAuditEvent)
	if err != nil {
		return nil, errors.Wrap(err, "list pending events")
	}
	return events, nil
}

// MarkPublished flags events as delivered to the broker.
func (r *AuditRepository) MarkPublished(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, markAuditEventsPublishedSQL, ids, at); err != nil {
		return errors.Wrap(err, "mark events published")
	}
	return nil
}

// ListByOrder returns the history of an order, oldest first.
func (r *AuditRepository) ListByOrder(ctx context.Context, orderID string) ([]audit.Event, error) {
	rows, err := r.db.Query(ctx, listAuditEventsByOrderSQL, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "list events of order %q", orderID)
	}
	events, err := pgx.CollectRows(rows, scanAuditEvent)
	if err != nil {
		return nil, errors.Wrapf(err, "list events of order %q", orderID)
	}
	return events, nil
}

func scanAuditEvent(row pgx.CollectableRow) (audit.Event, error) {
	var (
		e       audit.Event
		typ     string
		payload []byte
	)
	if err := row.Scan(&e.ID, &typ, &e.OrderID, &e.PaymentReference, &payload, &e.CreatedAt); err != nil {
		return e, err
	}
	data, err := audit.Decode(audit.Type(typ), payload)
	if err != nil {
		return e, err
	}
	e.Data = data
	return e, nil
}
