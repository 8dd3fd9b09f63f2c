// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/fabrica/pkg/bus"
	"github.com/jllopis/fabrica/pkg/errors"
)

// ToolCaller abstracts MCP tool execution for the invoker.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
}

// Invoker routes bus invocations to MCP servers. Each registered agent
// maps to one server; the capability names the tool to call.
type Invoker struct {
	mu      sync.RWMutex
	callers map[string]ToolCaller
}

// NewInvoker creates an empty invoker.
func NewInvoker() *Invoker {
	return &Invoker{callers: make(map[string]ToolCaller)}
}

// RegisterServer binds an agent ID to an MCP server connection.
// Registering the same agent again replaces the previous binding.
func (inv *Invoker) RegisterServer(agentID string, caller ToolCaller) error {
	if agentID == "" {
		return errors.New(errors.CodeInvalidInput, "agent id is required", nil)
	}
	if caller == nil {
		return errors.New(errors.CodeInvalidInput, "tool caller is required", nil)
	}
	inv.mu.Lock()
	inv.callers[agentID] = caller
	inv.mu.Unlock()
	return nil
}

// RemoveServer drops the binding for an agent ID.
func (inv *Invoker) RemoveServer(agentID string) {
	inv.mu.Lock()
	delete(inv.callers, agentID)
	inv.mu.Unlock()
}

// Invoke calls the tool named by capability on the agent's MCP server.
// The payload must be a JSON object or empty.
func (inv *Invoker) Invoke(ctx context.Context, agentID, capability string, payload json.RawMessage) (json.RawMessage, error) {
	inv.mu.RLock()
	caller, ok := inv.callers[agentID]
	inv.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			fmt.Sprintf("no MCP server registered for agent %q", agentID), nil)
	}

	args, err := decodeArgs(payload)
	if err != nil {
		return nil, err
	}

	result, err := caller.CallTool(ctx, capability, args)
	if err != nil {
		return nil, errors.New(errors.CodeInternal,
			fmt.Sprintf("mcp call %q failed", capability), err).WithRecoverable(true)
	}

	return resultToJSON(result)
}

// SyncCapabilities lists the server's tools and registers them as
// capabilities of the agent in the directory.
func (inv *Invoker) SyncCapabilities(ctx context.Context, dir *bus.Directory, agentID string) error {
	inv.mu.RLock()
	caller, ok := inv.callers[agentID]
	inv.mu.RUnlock()
	if !ok {
		return errors.New(errors.CodeNotFound,
			fmt.Sprintf("no MCP server registered for agent %q", agentID), nil)
	}

	tools, err := caller.ListTools(ctx)
	if err != nil {
		return errors.New(errors.CodeInternal, "mcp tool listing failed", err).WithRecoverable(true)
	}

	caps := make([]bus.Capability, 0, len(tools))
	for _, tool := range tools {
		caps = append(caps, bus.Capability{
			Name:        tool.Name,
			Description: tool.Description,
		})
	}
	if len(caps) == 0 {
		return nil
	}
	return dir.RegisterAgent(ctx, agentID, caps)
}

func decodeArgs(payload json.RawMessage) (map[string]interface{}, error) {
	if len(payload) == 0 {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, errors.New(errors.CodeInvalidInput, "payload is not a JSON object", err)
	}
	return args, nil
}

// resultToJSON flattens a tool result into a JSON payload. Structured
// content wins over text content.
func resultToJSON(result *mcp.CallToolResult) (json.RawMessage, error) {
	if result == nil {
		return nil, errors.New(errors.CodeInternal, "mcp tool result is nil", nil)
	}

	if result.IsError {
		return nil, errors.New(errors.CodeInternal,
			fmt.Sprintf("mcp tool returned error: %s", extractTextContent(result.Content)), nil).
			WithRecoverable(true)
	}

	if result.StructuredContent != nil {
		out, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "mcp structured content not serializable", err)
		}
		return out, nil
	}

	text := extractTextContent(result.Content)
	out, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "mcp text content not serializable", err)
	}
	return out, nil
}

func extractTextContent(items []mcp.Content) string {
	if len(items) == 0 {
		return ""
	}
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

var _ bus.Invoker = (*Invoker)(nil)
