// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/fabrica/pkg/bus"
	"github.com/jllopis/fabrica/pkg/embedding"
	"github.com/jllopis/fabrica/pkg/errors"
	"github.com/jllopis/fabrica/pkg/index"
)

type fakeCaller struct {
	tools    []mcp.Tool
	result   *mcp.CallToolResult
	err      error
	lastName string
	lastArgs map[string]interface{}
}

func (f *fakeCaller) CallTool(_ context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	f.lastName = name
	f.lastArgs = args
	return f.result, f.err
}

func (f *fakeCaller) ListTools(_ context.Context) ([]mcp.Tool, error) {
	return f.tools, f.err
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func TestInvokeStructuredContent(t *testing.T) {
	caller := &fakeCaller{
		result: &mcp.CallToolResult{
			StructuredContent: map[string]any{"rows": 3},
		},
	}
	inv := NewInvoker()
	if err := inv.RegisterServer("agent-1", caller); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp, err := inv.Invoke(context.Background(), "agent-1", "convert", json.RawMessage(`{"format":"json"}`))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if caller.lastName != "convert" {
		t.Errorf("expected tool name convert, got %s", caller.lastName)
	}
	if caller.lastArgs["format"] != "json" {
		t.Errorf("args not forwarded: %v", caller.lastArgs)
	}

	var decoded map[string]int
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if decoded["rows"] != 3 {
		t.Errorf("unexpected response: %v", decoded)
	}
}

func TestInvokeTextContent(t *testing.T) {
	caller := &fakeCaller{result: textResult("converted")}
	inv := NewInvoker()
	inv.RegisterServer("agent-1", caller)

	resp, err := inv.Invoke(context.Background(), "agent-1", "convert", nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	var decoded map[string]string
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if decoded["text"] != "converted" {
		t.Errorf("unexpected response: %v", decoded)
	}
}

func TestInvokeToolError(t *testing.T) {
	caller := &fakeCaller{
		result: &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "bad input"}},
		},
	}
	inv := NewInvoker()
	inv.RegisterServer("agent-1", caller)

	_, err := inv.Invoke(context.Background(), "agent-1", "convert", nil)
	if !errors.HasCode(err, errors.CodeInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	fe := errors.AsFabricaError(err)
	if fe == nil || !fe.Recoverable {
		t.Errorf("tool errors should be recoverable: %v", err)
	}
}

func TestInvokeTransportError(t *testing.T) {
	caller := &fakeCaller{err: stderrors.New("connection reset")}
	inv := NewInvoker()
	inv.RegisterServer("agent-1", caller)

	_, err := inv.Invoke(context.Background(), "agent-1", "convert", nil)
	if !errors.HasCode(err, errors.CodeInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}

func TestInvokeUnknownAgent(t *testing.T) {
	inv := NewInvoker()

	_, err := inv.Invoke(context.Background(), "ghost", "convert", nil)
	if !errors.HasCode(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestInvokeInvalidPayload(t *testing.T) {
	inv := NewInvoker()
	inv.RegisterServer("agent-1", &fakeCaller{result: textResult("ok")})

	_, err := inv.Invoke(context.Background(), "agent-1", "convert", json.RawMessage(`[1,2]`))
	if !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestRegisterServerValidation(t *testing.T) {
	inv := NewInvoker()

	if err := inv.RegisterServer("", &fakeCaller{}); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Errorf("empty agent id should fail, got %v", err)
	}
	if err := inv.RegisterServer("agent-1", nil); !errors.HasCode(err, errors.CodeInvalidInput) {
		t.Errorf("nil caller should fail, got %v", err)
	}
}

func TestSyncCapabilities(t *testing.T) {
	caller := &fakeCaller{
		tools: []mcp.Tool{
			{Name: "convert_yaml", Description: "Convert YAML documents to JSON"},
			{Name: "validate_schema", Description: "Validate JSON against a schema"},
		},
	}
	inv := NewInvoker()
	inv.RegisterServer("agent-1", caller)

	ctx := context.Background()
	dir, err := bus.NewDirectory(ctx, &embedding.Static{}, index.NewInMemory(), bus.NewMemLogger(), bus.DirectoryConfig{})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	if err := inv.SyncCapabilities(ctx, dir, "agent-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	candidates, err := dir.Discover(ctx, "convert yaml documents", false, 5)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(candidates) == 0 {
		t.Fatal("expected synced capability to be discoverable")
	}
	if candidates[0].AgentID != "agent-1" || candidates[0].Capability != "convert_yaml" {
		t.Errorf("unexpected top candidate: %+v", candidates[0])
	}
}

func TestSyncCapabilitiesUnknownAgent(t *testing.T) {
	inv := NewInvoker()

	ctx := context.Background()
	dir, err := bus.NewDirectory(ctx, &embedding.Static{}, index.NewInMemory(), bus.NewMemLogger(), bus.DirectoryConfig{})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	if err := inv.SyncCapabilities(ctx, dir, "ghost"); !errors.HasCode(err, errors.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
