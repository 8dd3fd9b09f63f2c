// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodeNotFound, "component missing", nil)
	if got := err.Error(); got != "[NOT_FOUND] component missing" {
		t.Errorf("unexpected message: %s", got)
	}

	wrapped := New(CodeStoreError, "read failed", stderrors.New("disk gone"))
	if !strings.Contains(wrapped.Error(), "disk gone") {
		t.Errorf("expected cause in message, got %s", wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("root cause")
	err := New(CodeInternal, "wrapper", cause)
	if !stderrors.Is(err, cause) {
		t.Errorf("errors.Is should find the cause through Unwrap")
	}
}

func TestHasCode(t *testing.T) {
	inner := New(CodeVersionConflict, "lost the race", nil)
	outer := fmt.Errorf("evolve failed: %w", inner)

	if !HasCode(outer, CodeVersionConflict) {
		t.Errorf("expected VERSION_CONFLICT in chain")
	}
	if HasCode(outer, CodeTimeout) {
		t.Errorf("did not expect TIMEOUT in chain")
	}
	if HasCode(nil, CodeInternal) {
		t.Errorf("nil error should carry no code")
	}
}

func TestWithContextChaining(t *testing.T) {
	err := New(CodeCircuitOpen, "provider blocked", nil).
		WithContext("provider", "acme-agent").
		WithRecoverable(true)

	if err.Context["provider"] != "acme-agent" {
		t.Errorf("context not recorded")
	}
	if !err.Recoverable {
		t.Errorf("recoverable flag not set")
	}
}

func TestMarshalJSON(t *testing.T) {
	err := New(CodeEmbeddingFailure, "collaborator unavailable", stderrors.New("dial tcp")).
		WithContext("component_id", "c-123")

	payload, jsonErr := json.Marshal(err)
	if jsonErr != nil {
		t.Fatalf("marshal failed: %v", jsonErr)
	}
	var decoded map[string]interface{}
	if jsonErr := json.Unmarshal(payload, &decoded); jsonErr != nil {
		t.Fatalf("unmarshal failed: %v", jsonErr)
	}
	if decoded["code"] != "EMBEDDING_FAILURE" {
		t.Errorf("unexpected code: %v", decoded["code"])
	}
	if decoded["error"] != "dial tcp" {
		t.Errorf("unexpected cause: %v", decoded["error"])
	}
}

func TestAsFabricaError(t *testing.T) {
	fe := New(CodeNoHealthyProvider, "nothing to route to", nil)
	if AsFabricaError(fe) != fe {
		t.Errorf("expected identity for FabricaError")
	}

	wrapped := AsFabricaError(stderrors.New("plain"))
	if wrapped.Code != CodeInternal {
		t.Errorf("plain errors wrap as INTERNAL_ERROR, got %s", wrapped.Code)
	}
	if AsFabricaError(nil) != nil {
		t.Errorf("nil in, nil out")
	}
}
