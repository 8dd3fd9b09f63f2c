// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry integration with rich attributes
// for registry and bus observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for fabrica telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Component attributes
	AttrComponentID      = "fabrica.component.id"
	AttrComponentVersion = "fabrica.component.version"
	AttrComponentKind    = "fabrica.component.kind"
	AttrComponentStatus  = "fabrica.component.status"

	// Search attributes
	AttrSearchQuery    = "fabrica.search.query"
	AttrSearchTopK     = "fabrica.search.top_k"
	AttrSearchResults  = "fabrica.search.result_count"
	AttrSearchAlpha    = "fabrica.search.fusion_alpha"
	AttrSearchDegraded = "fabrica.search.degraded"

	// Evolution attributes
	AttrEvolveStrategy        = "fabrica.evolve.strategy"
	AttrEvolveExpectedVersion = "fabrica.evolve.expected_version"
	AttrEvolveConflict        = "fabrica.evolve.conflict"

	// Directory attributes
	AttrAgentID     = "fabrica.agent.id"
	AttrCapability  = "fabrica.capability"
	AttrAgentHealth = "fabrica.agent.health"
	AttrSweepPurged = "fabrica.sweep.purged_count"

	// Routing attributes
	AttrRouteAttempt   = "fabrica.route.attempt"
	AttrRouteOutcome   = "fabrica.route.outcome"
	AttrRouteProvider  = "fabrica.route.provider"
	AttrRouteLatencyMs = "fabrica.route.latency_ms"
	AttrBreakerState   = "fabrica.breaker.state"

	// Message attributes
	AttrMessageID      = "fabrica.message.id"
	AttrMessageChannel = "fabrica.message.channel"
	AttrMessageSender  = "fabrica.message.sender"
)

// ComponentAttributes returns common attributes for registry spans.
func ComponentAttributes(id string, version int, kind, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrComponentID, id),
		attribute.Int(AttrComponentVersion, version),
	}
	if kind != "" {
		attrs = append(attrs, attribute.String(AttrComponentKind, kind))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(AttrComponentStatus, status))
	}
	return attrs
}

// SearchAttributes returns attributes for semantic search spans.
// Long queries are truncated to keep span payloads bounded.
func SearchAttributes(query string, topK, results int, alpha float64, degraded bool) []attribute.KeyValue {
	if len(query) > 200 {
		query = query[:200] + "..."
	}
	attrs := []attribute.KeyValue{
		attribute.String(AttrSearchQuery, query),
		attribute.Int(AttrSearchTopK, topK),
		attribute.Int(AttrSearchResults, results),
		attribute.Float64(AttrSearchAlpha, alpha),
	}
	if degraded {
		attrs = append(attrs, attribute.Bool(AttrSearchDegraded, true))
	}
	return attrs
}

// EvolveAttributes returns attributes for evolution spans.
func EvolveAttributes(componentID string, expectedVersion int, strategy string, conflict bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrComponentID, componentID),
		attribute.Int(AttrEvolveExpectedVersion, expectedVersion),
	}
	if strategy != "" {
		attrs = append(attrs, attribute.String(AttrEvolveStrategy, strategy))
	}
	if conflict {
		attrs = append(attrs, attribute.Bool(AttrEvolveConflict, true))
	}
	return attrs
}

// DirectoryAttributes returns attributes for capability directory spans.
func DirectoryAttributes(agentID, capability, health string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrAgentID, agentID),
	}
	if capability != "" {
		attrs = append(attrs, attribute.String(AttrCapability, capability))
	}
	if health != "" {
		attrs = append(attrs, attribute.String(AttrAgentHealth, health))
	}
	return attrs
}

// RouteAttributes returns attributes for routing attempt spans.
func RouteAttributes(provider, capability, outcome string, attempt int, latencyMs float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRouteProvider, provider),
		attribute.String(AttrCapability, capability),
		attribute.String(AttrRouteOutcome, outcome),
		attribute.Int(AttrRouteAttempt, attempt),
	}
	if latencyMs > 0 {
		attrs = append(attrs, attribute.Float64(AttrRouteLatencyMs, latencyMs))
	}
	return attrs
}

// MessageAttributes returns attributes for bus message spans.
func MessageAttributes(id, channel, sender string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrMessageChannel, channel),
	}
	if id != "" {
		attrs = append(attrs, attribute.String(AttrMessageID, id))
	}
	if sender != "" {
		attrs = append(attrs, attribute.String(AttrMessageSender, sender))
	}
	return attrs
}
