package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	mcpadapter "github.com/jllopis/fabrica/pkg/adapters/mcp"
	"github.com/jllopis/fabrica/pkg/bus"
	"github.com/jllopis/fabrica/pkg/registry"
)

// Manifest seeds the server on startup: components to register and MCP
// servers to connect and expose as providers.
type Manifest struct {
	Components []ManifestComponent `yaml:"components"`
	MCPServers []ManifestMCPServer `yaml:"mcp_servers"`
}

type ManifestComponent struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"`
	Content string   `yaml:"content"`
	Tags    []string `yaml:"tags"`
}

type ManifestMCPServer struct {
	AgentID string   `yaml:"agent_id"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func loadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// applyManifest registers manifest components and connects MCP servers.
// A component that fails validation aborts startup; an unreachable MCP
// server is logged and skipped so one dead server cannot block the rest.
func applyManifest(ctx context.Context, path string, reg *registry.Registry, dir *bus.Directory, invoker *mcpadapter.Invoker, logger *slog.Logger) error {
	m, err := loadManifest(path)
	if err != nil {
		return err
	}

	for _, mc := range m.Components {
		component, err := reg.Register(ctx, registry.Draft{
			Name:    mc.Name,
			Kind:    registry.Kind(mc.Kind),
			Content: mc.Content,
			Tags:    mc.Tags,
		})
		if err != nil {
			return fmt.Errorf("register component %q: %w", mc.Name, err)
		}
		logger.Info("manifest component registered",
			"name", mc.Name, "id", component.ID, "version", component.Version)
	}

	for _, ms := range m.MCPServers {
		client, err := mcpadapter.NewClientWithStdio(ms.Command, ms.Args)
		if err != nil {
			logger.Warn("mcp server connection failed, skipping",
				"agent_id", ms.AgentID, "command", ms.Command, "error", err)
			continue
		}
		if err := invoker.RegisterServer(ms.AgentID, client); err != nil {
			client.Close()
			return fmt.Errorf("register mcp server %q: %w", ms.AgentID, err)
		}
		if err := invoker.SyncCapabilities(ctx, dir, ms.AgentID); err != nil {
			logger.Warn("mcp capability sync failed",
				"agent_id", ms.AgentID, "error", err)
			continue
		}
		logger.Info("mcp server connected", "agent_id", ms.AgentID)
	}

	return nil
}
