// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for Fabrica.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode classifies Fabrica errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeNotFound indicates a component, version or agent was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeVersionConflict indicates an optimistic-concurrency write lost the race.
	// The caller must re-read the active version and retry.
	CodeVersionConflict ErrorCode = "VERSION_CONFLICT"

	// CodeEmbeddingFailure indicates the text/embedding collaborator was
	// unavailable. Operations degrade to content-only matching instead of failing.
	CodeEmbeddingFailure ErrorCode = "EMBEDDING_FAILURE"

	// CodeNoHealthyProvider indicates discovery returned no healthy candidate.
	CodeNoHealthyProvider ErrorCode = "NO_HEALTHY_PROVIDER"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeCircuitOpen indicates the target provider's circuit breaker is open
	// and the call was short-circuited without an invoke attempt.
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// CodeStoreError indicates a persistence layer error.
	CodeStoreError ErrorCode = "STORE_ERROR"
)

// FabricaError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type FabricaError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface.
func (e *FabricaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *FabricaError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *FabricaError) MarshalJSON() ([]byte, error) {
	out := struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}{
		Message:     e.Message,
		Code:        string(e.Code),
		Recoverable: e.Recoverable,
		Context:     e.Context,
	}
	if e.Err != nil {
		out.Err = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new FabricaError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *FabricaError {
	return &FabricaError{
		Code:    code,
		Message: msg,
		Err:     cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *FabricaError) WithContext(key string, value interface{}) *FabricaError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *FabricaError) WithRecoverable(recoverable bool) *FabricaError {
	e.Recoverable = recoverable
	return e
}

// AsFabricaError attempts to convert an error to a FabricaError.
// Returns the error as FabricaError if it is one, or wraps it otherwise.
func AsFabricaError(err error) *FabricaError {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*FabricaError); ok {
		return fe
	}
	return New(CodeInternal, "wrapped error", err)
}

// HasCode reports whether err carries the given error code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if fe, ok := err.(*FabricaError); ok && fe.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
