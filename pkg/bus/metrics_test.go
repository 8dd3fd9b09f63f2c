// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jllopis/fabrica/pkg/embedding"
	"github.com/jllopis/fabrica/pkg/errors"
	"github.com/jllopis/fabrica/pkg/telemetry"
)

func newTestMetrics(t *testing.T) (*telemetry.ErrorMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	metrics, err := telemetry.NewErrorMetrics(context.Background())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	return metrics, reader
}

func collectMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not recorded", name)
	return metricdata.Metrics{}
}

func TestRouteRecordsAttemptMetrics(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	invoker := newScriptedInvoker(func(agentID string, call int) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	router, _ := newTestRouter(t, &stubDirectory{candidates: candidateList("a1")}, invoker, RouterConfig{
		Metrics: metrics,
	})

	if _, err := router.Route(context.Background(), NewMessage(ChannelData, "caller", "convert", nil), fastPolicy()); err != nil {
		t.Fatalf("route: %v", err)
	}

	attempts := collectMetric(t, reader, "fabrica.route.attempts")
	sum, ok := attempts.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected int64 sum, got %T", attempts.Data)
	}
	var successes int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(telemetry.AttrRouteOutcome)); ok && v.AsString() == string(OutcomeSuccess) {
			successes += dp.Value
		}
	}
	if successes != 1 {
		t.Errorf("expected one success attempt recorded, got %d", successes)
	}
}

func TestRouteRecordsBreakerStateGauge(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	invoker := newScriptedInvoker(func(agentID string, call int) (json.RawMessage, error) {
		return nil, context.DeadlineExceeded
	})
	router, _ := newTestRouter(t, &stubDirectory{candidates: candidateList("a1")}, invoker, RouterConfig{
		BreakerThreshold: 1,
		BreakerCooldown:  time.Hour,
		Metrics:          metrics,
	})

	policy := fastPolicy()
	policy.MaxAttempts = 2
	if _, err := router.Route(context.Background(), NewMessage(ChannelData, "caller", "convert", nil), policy); err == nil {
		t.Fatal("expected route to fail")
	}

	state := collectMetric(t, reader, "fabrica.circuitbreaker.state")
	gauge, ok := state.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("expected int64 gauge, got %T", state.Data)
	}
	if len(gauge.DataPoints) == 0 {
		t.Fatal("expected breaker state datapoints")
	}
	// Threshold 1 opens the breaker on the first failure; the gauge holds the
	// last observed state.
	last := gauge.DataPoints[len(gauge.DataPoints)-1]
	if last.Value != telemetry.BreakerValueOpen {
		t.Errorf("expected open breaker gauge %d, got %d", telemetry.BreakerValueOpen, last.Value)
	}
}

func TestRouteFailoverRecordsRecovery(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	invoker := newScriptedInvoker(func(agentID string, call int) (json.RawMessage, error) {
		if agentID == "a1" {
			return nil, errors.New(errors.CodeInternal, "provider down", nil).WithRecoverable(true)
		}
		return json.RawMessage(`{}`), nil
	})
	router, _ := newTestRouter(t, &stubDirectory{candidates: candidateList("a1", "a2")}, invoker, RouterConfig{
		Metrics: metrics,
	})

	if _, err := router.Route(context.Background(), NewMessage(ChannelData, "caller", "convert", nil), fastPolicy()); err != nil {
		t.Fatalf("route: %v", err)
	}

	recovered := collectMetric(t, reader, "fabrica.errors.recovered")
	sum, ok := recovered.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("expected int64 sum, got %T", recovered.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 1 {
		t.Errorf("expected one recorded recovery, got %d", total)
	}
}

func TestSweepRecordsHealthGauges(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	now := time.Unix(10_000, 0)
	dir := newTestDirectory(t, embedding.NewStatic(), DirectoryConfig{
		HeartbeatInterval: 5 * time.Second,
		MissedThreshold:   3,
		Metrics:           metrics,
	})
	dir.SetClock(func() time.Time { return now })
	ctx := context.Background()

	if err := dir.RegisterAgent(ctx, "flaky", []Capability{
		{Name: "transcode", Description: "transcodes video files between formats"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	now = now.Add(7 * time.Second)
	dir.SweepOnce(ctx)

	health := collectMetric(t, reader, "fabrica.agent.health")
	gauge, ok := health.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatalf("expected int64 gauge, got %T", health.Data)
	}
	found := false
	for _, dp := range gauge.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(telemetry.AttrAgentID)); ok && v.AsString() == "flaky" {
			found = true
			if dp.Value != telemetry.HealthValueDegraded {
				t.Errorf("expected degraded gauge %d, got %d", telemetry.HealthValueDegraded, dp.Value)
			}
		}
	}
	if !found {
		t.Error("expected a health gauge for the flaky agent")
	}
}
