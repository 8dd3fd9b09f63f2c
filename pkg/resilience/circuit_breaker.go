// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
// Package resilience provides retry and circuit breaker patterns for Fabrica.
package resilience

import (
	"sync"
	"time"

	"github.com/jllopis/fabrica/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means the circuit breaker is working normally.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means the circuit breaker is blocking calls.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means the circuit breaker is testing if the target recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before allowing a single
	// half-open trial call.
	Cooldown time.Duration

	// Name is the circuit breaker identifier for logging/metrics.
	Name string
}

// CircuitBreaker prevents cascading failures using the circuit breaker
// pattern. Unlike a lock-around-the-call design, admission and outcome
// recording are separate so the protected call runs without holding the
// breaker lock: Allow() reserves permission, ReportSuccess/ReportFailure
// record the outcome. While open, Allow fails immediately with CIRCUIT_OPEN;
// once the cooldown elapses exactly one caller wins the half-open probe and
// its outcome decides whether the breaker closes or reopens.
type CircuitBreaker struct {
	config        CircuitBreakerConfig
	state         CircuitBreakerState
	failures      int
	probeInFlight bool
	lastFailTime  time.Time
	mu            sync.Mutex
	now           func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.Cooldown == 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call may proceed. It returns a CIRCUIT_OPEN error
// when the breaker is open or the single half-open probe is already taken.
// Every successful Allow must be paired with ReportSuccess or ReportFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) <= cb.config.Cooldown {
			return cb.openErr()
		}
		// Cooldown elapsed: this caller wins the probe.
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		return nil
	case StateHalfOpen:
		if cb.probeInFlight {
			return cb.openErr()
		}
		cb.probeInFlight = true
		return nil
	}
	return nil
}

// ReportSuccess records a successful call.
func (cb *CircuitBreaker) ReportSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probeInFlight = false
	cb.state = StateClosed
}

// ReportFailure records a failed call, opening the circuit when the
// consecutive-failure threshold is reached or a half-open probe fails.
func (cb *CircuitBreaker) ReportFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailTime = cb.now()
	if cb.state == StateHalfOpen {
		// Probe failed: reopen and restart the cooldown.
		cb.state = StateOpen
		cb.probeInFlight = false
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.config.FailureThreshold {
		cb.state = StateOpen
		cb.failures = 0
	}
}

// Cancel releases an admitted call without recording an outcome, for callers
// that never reached the protected target (e.g. admission-queue expiry).
func (cb *CircuitBreaker) Cancel() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeInFlight = false
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probeInFlight = false
}

func (cb *CircuitBreaker) openErr() *errors.FabricaError {
	return errors.New(errors.CodeCircuitOpen, "circuit breaker open", nil).
		WithContext("breaker", cb.config.Name).
		WithRecoverable(true)
}

// SetClock overrides the breaker's time source for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}
