// Package outbox relays unpublished audit events to Kafka.
package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/eventkart/internal/domain/audit"
	ikafka "github.com/xenking/eventkart/internal/kafka"
)

// Source is the pending side of the audit log.
type Source interface {
	FetchPending(ctx context.Context, limit int) ([]audit.Event, error)
	MarkPublished(ctx context.Context, ids []int64, at time.Time) error
}

// Envelope is the published message body.
type Envelope struct {
	ID               int64      `json:"id"`
	Type             audit.Type `json:"type"`
	OrderID          string     `json:"order_id,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	Data             audit.Data `json:"data"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Relay polls the audit log and publishes events in id order. Delivery is
// at least once: a crash between write and mark republishes the batch.
type Relay struct {
	source    Source
	writer    ikafka.Writer
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewRelay creates a Relay.
func NewRelay(source Source, writer ikafka.Writer, interval time.Duration, batchSize int) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		source:    source,
		writer:    writer,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run publishes until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	lg := zctx.From(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	lg.Info("Outbox relay started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			lg.Info("Outbox relay stopped")
			return nil
		case <-ticker.C:
			// Drain full batches without waiting for the next tick.
			for {
				n, err := r.Flush(ctx)
				if err != nil {
					if ctx.Err() == nil {
						lg.Error("Outbox flush failed", zap.Error(err))
					}
					break
				}
				if n < r.batchSize {
					break
				}
			}
		}
	}
}

// Flush publishes one batch and returns the number of events sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.source.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, errors.Wrap(err, "fetch pending")
	}
	if len(events) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		msg, err := ikafka.Message(messageKey(e), Envelope{
			ID:               e.ID,
			Type:             e.Type(),
			OrderID:          e.OrderID,
			PaymentReference: e.PaymentReference,
			Data:             e.Data,
			CreatedAt:        e.CreatedAt,
		}, map[string]string{"type": string(e.Type())})
		if err != nil {
			return 0, errors.Wrapf(err, "encode event %d", e.ID)
		}
		msgs = append(msgs, msg)
		ids = append(ids, e.ID)
	}

	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, errors.Wrap(err, "publish events")
	}
	if err := r.source.MarkPublished(ctx, ids, r.now()); err != nil {
		return 0, errors.Wrap(err, "mark published")
	}
	zctx.From(ctx).Debug("Published audit events", zap.Int("count", len(ids)))
	return len(ids), nil
}

// messageKey keeps all events of an order on one partition.
func messageKey(e audit.Event) string {
	if e.OrderID != "" {
		return e.OrderID
	}
	return e.PaymentReference
}
