// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
package telemetry

import (
	"context"
	"testing"

	"github.com/jllopis/fabrica/pkg/errors"
)

func TestNewErrorMetrics(t *testing.T) {
	em, err := NewErrorMetrics(context.Background())
	if err != nil {
		t.Fatalf("failed to create error metrics: %v", err)
	}
	if em == nil {
		t.Fatal("expected non-nil ErrorMetrics")
	}
}

func TestRecordErrorMetric(t *testing.T) {
	em, _ := NewErrorMetrics(context.Background())
	ctx := context.Background()

	// Record a typed error
	fe := errors.New(errors.CodeEmbeddingFailure, "embedder down", nil)
	em.RecordErrorMetric(ctx, fe, "registry")

	// Record a generic error
	em.RecordErrorMetric(ctx, errors.New(errors.CodeInternal, "generic error", nil), "router")

	// Should not panic with nil error or metrics
	em.RecordErrorMetric(ctx, nil, "directory")
	em.RecordErrorMetric(ctx, fe, "")

	// Nil metrics should not panic
	var nilMetrics *ErrorMetrics
	nilMetrics.RecordErrorMetric(ctx, fe, "registry")
}

func TestRecordRecovery(t *testing.T) {
	em, _ := NewErrorMetrics(context.Background())
	ctx := context.Background()

	em.RecordRecovery(ctx, errors.CodeEmbeddingFailure)
	em.RecordRecovery(ctx, errors.CodeTimeout)
	em.RecordRecovery(ctx, errors.CodeCircuitOpen)

	var nilMetrics *ErrorMetrics
	nilMetrics.RecordRecovery(ctx, errors.CodeTimeout)
}

func TestRecordRouteAttempt(t *testing.T) {
	em, _ := NewErrorMetrics(context.Background())
	ctx := context.Background()

	em.RecordRouteAttempt(ctx, "summarize", "success")
	em.RecordRouteAttempt(ctx, "summarize", "circuit_open")

	var nilMetrics *ErrorMetrics
	nilMetrics.RecordRouteAttempt(ctx, "summarize", "failure")
}

func TestRecordSearchDuration(t *testing.T) {
	em, _ := NewErrorMetrics(context.Background())
	ctx := context.Background()

	em.RecordSearchDuration(ctx, 12.4, 5)
	em.RecordSearchDuration(ctx, 0, 0)

	var nilMetrics *ErrorMetrics
	nilMetrics.RecordSearchDuration(ctx, 1.0, 1)
}

func TestRecordHealthStatus(t *testing.T) {
	em, _ := NewErrorMetrics(context.Background())
	ctx := context.Background()

	em.RecordHealthStatus(ctx, "agent-1", 2)
	em.RecordHealthStatus(ctx, "agent-2", 0)

	var nilMetrics *ErrorMetrics
	nilMetrics.RecordHealthStatus(ctx, "agent-1", 1)
}

func TestRecordCircuitBreakerState(t *testing.T) {
	em, _ := NewErrorMetrics(context.Background())
	ctx := context.Background()

	em.RecordCircuitBreakerState(ctx, "agent-1", 2)
	em.RecordCircuitBreakerState(ctx, "agent-1", 0)

	var nilMetrics *ErrorMetrics
	nilMetrics.RecordCircuitBreakerState(ctx, "agent-1", 1)
}
