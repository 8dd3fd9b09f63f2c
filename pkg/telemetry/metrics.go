// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
// Error, health, and routing metrics for production monitoring.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jllopis/fabrica/pkg/errors"
)

// Gauge encodings shared with the recorders below.
const (
	HealthValueUnhealthy int64 = 0
	HealthValueDegraded  int64 = 1
	HealthValueHealthy   int64 = 2

	BreakerValueOpen     int64 = 0
	BreakerValueHalfOpen int64 = 1
	BreakerValueClosed   int64 = 2
)

// ErrorMetrics tracks error rates, routing outcomes, and health for production monitoring.
type ErrorMetrics struct {
	// errorCounter tracks total errors by code and component
	errorCounter metric.Int64Counter

	// recoveryCounter tracks successful recoveries
	recoveryCounter metric.Int64Counter

	// routeCounter tracks routing attempts by capability and outcome
	routeCounter metric.Int64Counter

	// searchDuration tracks semantic search latency
	searchDuration metric.Float64Histogram

	// healthStatusGauge tracks agent health (0=unhealthy, 1=degraded, 2=healthy)
	healthStatusGauge metric.Int64Gauge

	// circuitBreakerStateGauge tracks circuit breaker state per provider
	circuitBreakerStateGauge metric.Int64Gauge

	mu sync.RWMutex
}

// NewErrorMetrics creates a new metrics tracker with OTEL meters.
func NewErrorMetrics(ctx context.Context) (*ErrorMetrics, error) {
	meter := otel.Meter("fabrica/metrics")

	errorCounter, err := meter.Int64Counter(
		"fabrica.errors.total",
		metric.WithDescription("Total errors by code and component"),
	)
	if err != nil {
		return nil, err
	}

	recoveryCounter, err := meter.Int64Counter(
		"fabrica.errors.recovered",
		metric.WithDescription("Successful error recoveries by code"),
	)
	if err != nil {
		return nil, err
	}

	routeCounter, err := meter.Int64Counter(
		"fabrica.route.attempts",
		metric.WithDescription("Routing attempts by capability and outcome"),
	)
	if err != nil {
		return nil, err
	}

	searchDuration, err := meter.Float64Histogram(
		"fabrica.search.duration_ms",
		metric.WithDescription("Semantic search latency in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	healthStatusGauge, err := meter.Int64Gauge(
		"fabrica.agent.health",
		metric.WithDescription("Agent health status (0=unhealthy, 1=degraded, 2=healthy)"),
	)
	if err != nil {
		return nil, err
	}

	circuitBreakerStateGauge, err := meter.Int64Gauge(
		"fabrica.circuitbreaker.state",
		metric.WithDescription("Circuit breaker state per provider (0=open, 1=half-open, 2=closed)"),
	)
	if err != nil {
		return nil, err
	}

	return &ErrorMetrics{
		errorCounter:             errorCounter,
		recoveryCounter:          recoveryCounter,
		routeCounter:             routeCounter,
		searchDuration:           searchDuration,
		healthStatusGauge:        healthStatusGauge,
		circuitBreakerStateGauge: circuitBreakerStateGauge,
	}, nil
}

// RecordErrorMetric increments the error counter for the given error code and component.
func (em *ErrorMetrics) RecordErrorMetric(ctx context.Context, err error, component string) {
	if em == nil || err == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	if fe := errors.AsFabricaError(err); fe != nil {
		em.errorCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("error.code", string(fe.Code)),
				attribute.String("component", component),
				attribute.Bool("recoverable", fe.Recoverable),
			),
		)
	} else {
		// Generic error
		em.errorCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("error.code", "UNKNOWN"),
				attribute.String("component", component),
			),
		)
	}
}

// RecordRecovery increments the recovery counter for the given error code.
// Called when an error is successfully handled (retry succeeded, failover worked).
func (em *ErrorMetrics) RecordRecovery(ctx context.Context, errorCode errors.ErrorCode) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.recoveryCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("error.code", string(errorCode)),
		),
	)
}

// RecordRouteAttempt counts a routing attempt with its outcome.
func (em *ErrorMetrics) RecordRouteAttempt(ctx context.Context, capability, outcome string) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.routeCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String(AttrCapability, capability),
			attribute.String(AttrRouteOutcome, outcome),
		),
	)
}

// RecordSearchDuration records semantic search latency in milliseconds.
func (em *ErrorMetrics) RecordSearchDuration(ctx context.Context, durationMs float64, results int) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.searchDuration.Record(ctx, durationMs,
		metric.WithAttributes(
			attribute.Int(AttrSearchResults, results),
		),
	)
}

// RecordHealthStatus records the health status of an agent (0=unhealthy, 1=degraded, 2=healthy).
func (em *ErrorMetrics) RecordHealthStatus(ctx context.Context, agentID string, status int64) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.healthStatusGauge.Record(ctx, status,
		metric.WithAttributes(
			attribute.String(AttrAgentID, agentID),
		),
	)
}

// RecordCircuitBreakerState records the circuit breaker state (0=open, 1=half-open, 2=closed).
func (em *ErrorMetrics) RecordCircuitBreakerState(ctx context.Context, provider string, state int64) {
	if em == nil {
		return
	}

	em.mu.RLock()
	defer em.mu.RUnlock()

	em.circuitBreakerStateGauge.Record(ctx, state,
		metric.WithAttributes(
			attribute.String(AttrRouteProvider, provider),
		),
	)
}
