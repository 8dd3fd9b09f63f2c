package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jllopis/fabrica/pkg/errors"
	"github.com/jllopis/fabrica/pkg/resilience"
	"github.com/jllopis/fabrica/pkg/telemetry"
)

// Invoker dispatches a capability invocation to the agent runtime that owns
// it. This is the only call shape the core requires; concrete framework
// bindings are injected, never special-cased in routing logic.
type Invoker interface {
	Invoke(ctx context.Context, agentID, capability string, payload json.RawMessage) (json.RawMessage, error)
}

// Discoverer is the narrow directory view the router depends on.
type Discoverer interface {
	Discover(ctx context.Context, query string, requireHealthy bool, limit int) ([]Candidate, error)
}

// Policy controls one routing call. Zero values select the defaults noted on
// each field.
type Policy struct {
	// MaxAttempts bounds the total number of dispatch attempts (default 3).
	// The router never retries past it: delivery is at-most-once per attempt
	// and payload idempotence is never assumed.
	MaxAttempts int

	// InvokeTimeout bounds each individual invocation (default 10s). Expiry
	// aborts only the local wait; work already dispatched to the provider
	// cannot be recalled.
	InvokeTimeout time.Duration

	// InitialBackoff is the first delay between attempts to the same provider
	// (default 100ms, doubling per repeat). Failover to a different provider
	// is immediate.
	InitialBackoff time.Duration

	// MaxBackoff caps the same-provider backoff (default 5s).
	MaxBackoff time.Duration

	// AllowDegraded admits degraded providers as candidates. Unhealthy
	// providers are never candidates.
	AllowDegraded bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.InvokeTimeout <= 0 {
		p.InvokeTimeout = 10 * time.Second
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	return p
}

// RouterConfig tunes the per-provider circuit breakers and admission caps.
type RouterConfig struct {
	// BreakerThreshold is the consecutive-failure count that opens a
	// provider's circuit (default 5).
	BreakerThreshold int

	// BreakerCooldown is how long an open circuit rejects calls before the
	// single half-open probe (default 30s).
	BreakerCooldown time.Duration

	// MaxInflightPerProvider bounds concurrent live requests per provider
	// (default 8).
	MaxInflightPerProvider int

	// Metrics receives per-attempt outcome counters and breaker state
	// gauges. Nil disables metric emission.
	Metrics *telemetry.ErrorMetrics

	Logger *slog.Logger
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.BreakerThreshold < 1 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.MaxInflightPerProvider < 1 {
		c.MaxInflightPerProvider = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Router is the data-bus side: it resolves a capability query to a healthy
// provider and dispatches the payload, failing over across ranked providers
// with per-provider circuit breaking and bounded admission. Every attempt,
// including short-circuits, lands in the interaction log.
type Router struct {
	directory Discoverer
	invoker   Invoker
	log       InteractionLogger
	cfg       RouterConfig

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	slots    map[string]chan struct{}
}

// NewRouter creates a router over the given directory and invoker.
func NewRouter(directory Discoverer, invoker Invoker, log InteractionLogger, cfg RouterConfig) (*Router, error) {
	if directory == nil || invoker == nil {
		return nil, errors.New(errors.CodeInvalidInput, "directory and invoker are required", nil)
	}
	if log == nil {
		log = NewMemLogger()
	}
	return &Router{
		directory: directory,
		invoker:   invoker,
		log:       log,
		cfg:       cfg.withDefaults(),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		slots:     make(map[string]chan struct{}),
	}, nil
}

// Route resolves msg.TargetCapability to ranked providers and dispatches the
// payload. On timeout or provider error it fails over to the next-ranked
// distinct provider, applying exponential backoff only between attempts to
// the same provider, up to policy.MaxAttempts. Returns NO_HEALTHY_PROVIDER
// without logging an attempt when discovery comes back empty.
func (r *Router) Route(ctx context.Context, msg Message, policy Policy) (json.RawMessage, error) {
	if strings.TrimSpace(msg.TargetCapability) == "" {
		return nil, errors.New(errors.CodeInvalidInput, "target capability is required", nil)
	}
	policy = policy.withDefaults()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedTS.IsZero() {
		msg.CreatedTS = time.Now().UTC()
	}
	msg.Channel = ChannelData

	candidates, err := r.directory.Discover(ctx, msg.TargetCapability, !policy.AllowDegraded, policy.MaxAttempts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		err := errors.New(errors.CodeNoHealthyProvider, "no healthy provider for capability", nil).
			WithContext("capability", msg.TargetCapability)
		r.cfg.Metrics.RecordErrorMetric(ctx, err, "bus.router")
		return nil, err
	}

	backoff := resilience.RetryConfig{
		InitialDelay: policy.InitialBackoff,
		MaxDelay:     policy.MaxBackoff,
		Multiplier:   2.0,
	}

	var lastErr error
	visits := make(map[string]int, len(candidates))

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		candidate := candidates[(attempt-1)%len(candidates)]
		visits[candidate.AgentID]++

		// Backoff applies only when re-attempting the same provider;
		// failover to a distinct provider is immediate.
		if repeat := visits[candidate.AgentID]; repeat > 1 {
			select {
			case <-ctx.Done():
				return nil, errors.New(errors.CodeTimeout, "context canceled between attempts", ctx.Err()).
					WithContext("capability", msg.TargetCapability)
			case <-time.After(resilience.Backoff(repeat-1, backoff)):
			}
		}

		resp, err := r.attempt(ctx, msg, candidate, policy, attempt)
		if err == nil {
			if fe := errors.AsFabricaError(lastErr); fe != nil {
				r.cfg.Metrics.RecordRecovery(ctx, fe.Code)
			}
			return resp, nil
		}
		lastErr = err
		r.cfg.Logger.DebugContext(ctx, "route attempt failed",
			"capability", msg.TargetCapability,
			"agent_id", candidate.AgentID,
			"attempt", attempt,
			"error", err)
	}
	r.cfg.Metrics.RecordErrorMetric(ctx, lastErr, "bus.router")
	return nil, lastErr
}

// attempt performs one at-most-once dispatch to a single provider.
func (r *Router) attempt(ctx context.Context, msg Message, candidate Candidate, policy Policy, attempt int) (json.RawMessage, error) {
	breaker := r.breaker(candidate.AgentID)
	if err := breaker.Allow(); err != nil {
		// Short-circuited: no invoke attempt reaches the provider.
		r.observe(ctx, candidate.AgentID, attempt, breaker, LogEntry{
			Timestamp:  time.Now().UTC(),
			Channel:    ChannelData,
			Sender:     msg.Sender,
			Capability: candidate.Capability,
			Outcome:    OutcomeCircuitOpen,
			LatencyMS:  0,
		})
		return nil, err
	}

	release, err := r.acquireSlot(ctx, candidate.AgentID)
	if err != nil {
		// Never admitted, so the breaker saw no call to report.
		r.observe(ctx, candidate.AgentID, attempt, breaker, LogEntry{
			Timestamp:  time.Now().UTC(),
			Channel:    ChannelData,
			Sender:     msg.Sender,
			Capability: candidate.Capability,
			Outcome:    OutcomeTimeout,
			LatencyMS:  0,
		})
		breaker.Cancel()
		return nil, err
	}

	start := time.Now()
	var resp json.RawMessage
	invokeErr := resilience.WithTimeout(ctx, policy.InvokeTimeout, func(ctx context.Context) error {
		var err error
		resp, err = r.invoker.Invoke(ctx, candidate.AgentID, candidate.Capability, msg.Payload)
		return err
	})
	release()
	latency := time.Since(start).Milliseconds()

	entry := LogEntry{
		Timestamp:  time.Now().UTC(),
		Channel:    ChannelData,
		Sender:     msg.Sender,
		Capability: candidate.Capability,
		LatencyMS:  latency,
	}
	switch {
	case invokeErr == nil:
		breaker.ReportSuccess()
		entry.Outcome = OutcomeSuccess
		r.observe(ctx, candidate.AgentID, attempt, breaker, entry)
		return resp, nil
	case errors.HasCode(invokeErr, errors.CodeTimeout):
		breaker.ReportFailure()
		entry.Outcome = OutcomeTimeout
		r.observe(ctx, candidate.AgentID, attempt, breaker, entry)
		return nil, invokeErr
	default:
		breaker.ReportFailure()
		entry.Outcome = OutcomeFailure
		r.observe(ctx, candidate.AgentID, attempt, breaker, entry)
		return nil, invokeErr
	}
}

// breaker returns the provider's circuit breaker, creating it on first use.
// Breaker state is shared mutable data; the resilience package serializes all
// mutations so concurrent failure reports are never lost.
func (r *Router) breaker(agentID string) *resilience.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agentID]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: r.cfg.BreakerThreshold,
			Cooldown:         r.cfg.BreakerCooldown,
			Name:             agentID,
		})
		r.breakers[agentID] = cb
	}
	return cb
}

// Breaker exposes a provider's circuit breaker, mainly for tests and
// introspection endpoints.
func (r *Router) Breaker(agentID string) *resilience.CircuitBreaker {
	return r.breaker(agentID)
}

// acquireSlot blocks until the provider has admission capacity or the caller
// gives up. The returned release must be called exactly once.
func (r *Router) acquireSlot(ctx context.Context, agentID string) (func(), error) {
	r.mu.Lock()
	slot, ok := r.slots[agentID]
	if !ok {
		slot = make(chan struct{}, r.cfg.MaxInflightPerProvider)
		r.slots[agentID] = slot
	}
	r.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, errors.New(errors.CodeTimeout, "gave up waiting for provider admission", ctx.Err()).
			WithContext("agent_id", agentID).
			WithRecoverable(true)
	}
}

// observe records one attempt: interaction log entry, span event, outcome
// counter, and the provider's current breaker state gauge.
func (r *Router) observe(ctx context.Context, agentID string, attempt int, breaker *resilience.CircuitBreaker, entry LogEntry) {
	if err := r.log.Append(entry); err != nil {
		r.cfg.Logger.Warn("interaction log append failed", "error", err)
	}
	trace.SpanFromContext(ctx).AddEvent("route.attempt", trace.WithAttributes(
		telemetry.RouteAttributes(agentID, entry.Capability, string(entry.Outcome), attempt, float64(entry.LatencyMS))...))
	r.cfg.Metrics.RecordRouteAttempt(ctx, entry.Capability, string(entry.Outcome))
	r.cfg.Metrics.RecordCircuitBreakerState(ctx, agentID, breakerStateValue(breaker.State()))
}

func breakerStateValue(s resilience.CircuitBreakerState) int64 {
	switch s {
	case resilience.StateOpen:
		return telemetry.BreakerValueOpen
	case resilience.StateHalfOpen:
		return telemetry.BreakerValueHalfOpen
	default:
		return telemetry.BreakerValueClosed
	}
}
