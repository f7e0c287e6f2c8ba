package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics counts materialization outcomes.
type Metrics struct {
	materialized metric.Int64Counter
	replays      metric.Int64Counter
	orphaned     metric.Int64Counter
	conflicts    metric.Int64Counter
}

// NewMetrics registers the checkout counters on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.materialized, err = meter.Int64Counter("orders_materialized",
		metric.WithDescription("Orders created from provider payments"),
	); err != nil {
		return nil, errors.Wrap(err, "orders_materialized")
	}
	if m.replays, err = meter.Int64Counter("payment_replays",
		metric.WithDescription("Payment callbacks answered with an existing order"),
	); err != nil {
		return nil, errors.Wrap(err, "payment_replays")
	}
	if m.orphaned, err = meter.Int64Counter("payments_orphaned",
		metric.WithDescription("Settled payments without a recoverable cart"),
	); err != nil {
		return nil, errors.Wrap(err, "payments_orphaned")
	}
	if m.conflicts, err = meter.Int64Counter("payment_race_conflicts",
		metric.WithDescription("Materialization attempts that lost a payment reference race"),
	); err != nil {
		return nil, errors.Wrap(err, "payment_race_conflicts")
	}
	return &m, nil
}

func sourceAttr(source Source) metric.AddOption {
	return metric.WithAttributes(attribute.String("source", string(source)))
}

func (m *Metrics) addMaterialized(ctx context.Context, source Source) {
	m.materialized.Add(ctx, 1, sourceAttr(source))
}

func (m *Metrics) addReplay(ctx context.Context, source Source) {
	m.replays.Add(ctx, 1, sourceAttr(source))
}

func (m *Metrics) addOrphaned(ctx context.Context, source Source) {
	m.orphaned.Add(ctx, 1, sourceAttr(source))
}

func (m *Metrics) addConflict(ctx context.Context, source Source) {
	m.conflicts.Add(ctx, 1, sourceAttr(source))
}
