package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	mcpadapter "github.com/jllopis/fabrica/pkg/adapters/mcp"
	"github.com/jllopis/fabrica/pkg/bus"
	"github.com/jllopis/fabrica/pkg/embedding"
	"github.com/jllopis/fabrica/pkg/index"
	"github.com/jllopis/fabrica/pkg/registry"
)

func TestLoadManifest(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "manifest.yaml")
	content := `
components:
  - name: yaml-converter
    kind: tool
    content: |
      Converts YAML documents to JSON.
    tags: [converter, yaml]
mcp_servers:
  - agent_id: files
    command: ./mcp-files
    args: ["--root", "/data"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := loadManifest(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}

	if len(m.Components) != 1 || m.Components[0].Name != "yaml-converter" {
		t.Errorf("components not parsed: %+v", m.Components)
	}
	if len(m.Components[0].Tags) != 2 {
		t.Errorf("tags not parsed: %v", m.Components[0].Tags)
	}
	if len(m.MCPServers) != 1 || m.MCPServers[0].AgentID != "files" {
		t.Errorf("mcp servers not parsed: %+v", m.MCPServers)
	}
	if len(m.MCPServers[0].Args) != 2 {
		t.Errorf("args not parsed: %v", m.MCPServers[0].Args)
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := loadManifest("/nonexistent/manifest.yaml"); err == nil {
		t.Error("expected error for missing manifest")
	}
}

func TestApplyManifestRegistersComponents(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "manifest.yaml")
	content := `
components:
  - name: summarizer
    kind: agent
    content: Summarizes long documents into key points.
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	embedder := embedding.NewStatic()
	idx := index.NewInMemory()

	reg, err := registry.New(ctx, registry.NewMemStore(), idx, embedder, registry.Options{Logger: logger})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	dir, err := bus.NewDirectory(ctx, embedder, idx, bus.NewMemLogger(), bus.DirectoryConfig{Logger: logger})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	if err := applyManifest(ctx, path, reg, dir, mcpadapter.NewInvoker(), logger); err != nil {
		t.Fatalf("apply manifest: %v", err)
	}

	matches, err := reg.Search(ctx, "summarize documents", "", 3, -1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) == 0 || matches[0].Component.Name != "summarizer" {
		t.Fatalf("manifest component not registered: %+v", matches)
	}
}

func TestApplyManifestInvalidComponent(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "manifest.yaml")
	content := `
components:
  - name: broken
    kind: tool
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	embedder := embedding.NewStatic()
	idx := index.NewInMemory()

	reg, err := registry.New(ctx, registry.NewMemStore(), idx, embedder, registry.Options{Logger: logger})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	dir, err := bus.NewDirectory(ctx, embedder, idx, bus.NewMemLogger(), bus.DirectoryConfig{Logger: logger})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	if err := applyManifest(ctx, path, reg, dir, mcpadapter.NewInvoker(), logger); err == nil {
		t.Error("expected error for component without content")
	}
}
