// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authentication service.
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const scopePrefix = "github.com/layer-3/sigauth/"

// Instrumentation holds the providers and the metric instruments
type Instrumentation struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	noncesIssued  metric.Int64Counter
	authAttempts  metric.Int64Counter
	rateLimited   metric.Int64Counter
	logouts       metric.Int64Counter
	chainFailures metric.Int64Counter
}

// New creates instrumentation on the given providers.
// Nil providers fall back to the otel globals.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Instrumentation, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	i := &Instrumentation{
		meterProvider:  mp,
		tracerProvider: tp,
	}

	meter := i.Meter("service")

	var err error
	i.noncesIssued, err = meter.Int64Counter(
		"sigauth.nonce.issued",
		metric.WithDescription("Number of login challenges issued"),
		metric.WithUnit("{nonce}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nonce.issued counter: %w", err)
	}

	i.authAttempts, err = meter.Int64Counter(
		"sigauth.authenticate.attempts",
		metric.WithDescription("Authentication attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticate.attempts counter: %w", err)
	}

	i.rateLimited, err = meter.Int64Counter(
		"sigauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit rejections"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	i.logouts, err = meter.Int64Counter(
		"sigauth.session.logout",
		metric.WithDescription("Number of sessions ended by logout"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.logout counter: %w", err)
	}

	i.chainFailures, err = meter.Int64Counter(
		"sigauth.chain.errors",
		metric.WithDescription("Blockchain data source failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain.errors counter: %w", err)
	}

	return i, nil
}

// Noop returns instrumentation that records nothing
func Noop() *Instrumentation {
	i, err := New(noop.NewMeterProvider(), tracenoop.NewTracerProvider())
	if err != nil {
		// noop instruments never fail to build
		panic(err)
	}
	return i
}

// Meter returns a named meter for the given scope
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// RecordNonceIssued counts an issued challenge
func (i *Instrumentation) RecordNonceIssued(ctx context.Context) {
	i.noncesIssued.Add(ctx, 1)
}

// RecordAuthAttempt counts an authentication attempt with its outcome
func (i *Instrumentation) RecordAuthAttempt(ctx context.Context, outcome string) {
	i.authAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRateLimited counts a rejected call for an operation
func (i *Instrumentation) RecordRateLimited(ctx context.Context, operation string) {
	i.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordLogout counts an ended session
func (i *Instrumentation) RecordLogout(ctx context.Context) {
	i.logouts.Add(ctx, 1)
}

// RecordChainFailure counts a failed blockchain lookup
func (i *Instrumentation) RecordChainFailure(ctx context.Context) {
	i.chainFailures.Add(ctx, 1)
}
