package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/partsdesk/api"

// Metrics holds the domain counters. A nil *Metrics records nothing.
type Metrics struct {
	offersAdded        metric.Int64Counter
	offerLimitRejected metric.Int64Counter
	orderTransitions   metric.Int64Counter
	emailFailures      metric.Int64Counter
}

// NewMetrics registers counters on the meter provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(meterName)
	var (
		m   Metrics
		err error
	)
	if m.offersAdded, err = meter.Int64Counter("partsdesk.offers.added",
		metric.WithDescription("Offers created by back office users.")); err != nil {
		return nil, err
	}
	if m.offerLimitRejected, err = meter.Int64Counter("partsdesk.offers.limit_rejected",
		metric.WithDescription("Offer creations rejected by the per-item cap.")); err != nil {
		return nil, err
	}
	if m.orderTransitions, err = meter.Int64Counter("partsdesk.orders.transitions",
		metric.WithDescription("Applied order status transitions.")); err != nil {
		return nil, err
	}
	if m.emailFailures, err = meter.Int64Counter("partsdesk.notifications.email_failed",
		metric.WithDescription("Notification emails the transport did not accept.")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) OfferAdded(ctx context.Context) {
	if m == nil {
		return
	}
	m.offersAdded.Add(ctx, 1)
}

func (m *Metrics) OfferLimitRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.offerLimitRejected.Add(ctx, 1)
}

func (m *Metrics) OrderTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.orderTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) EmailFailed(ctx context.Context, template string) {
	if m == nil {
		return
	}
	m.emailFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("template", template)))
}
