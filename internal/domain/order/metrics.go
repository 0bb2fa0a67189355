package order

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/xenking/kart-voucher/internal/domain/order"

// Option configures a Service.
type Option func(*options)

type options struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithMeterProvider sets the meter provider for confirmation metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// WithTracerProvider sets the tracer provider for confirmation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type metrics struct {
	confirmations metric.Int64Counter
	redemptions   metric.Int64Counter
	duration      metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	meter := mp.Meter(instrumentationName)

	confirmations, err := meter.Int64Counter("checkout.confirmations",
		metric.WithDescription("Cart confirmations by outcome"),
	)
	if err != nil {
		return nil, err
	}
	redemptions, err := meter.Int64Counter("voucher.redemptions",
		metric.WithDescription("Voucher redemption attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("checkout.confirmation.duration",
		metric.WithDescription("Cart confirmation latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{
		confirmations: confirmations,
		redemptions:   redemptions,
		duration:      duration,
	}, nil
}

func (m *metrics) recordConfirmation(ctx context.Context, status string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.confirmations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, d.Seconds(), attrs)
}

func (m *metrics) recordRedemption(ctx context.Context, outcome string) {
	m.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
