package main

import (
	"bytes"
	"context"
	"log/slog"
	"reflect"
	"testing"

	"github.com/jllopis/fabrica/pkg/bus"
	"github.com/jllopis/fabrica/pkg/embedding"
	"github.com/jllopis/fabrica/pkg/index"
)

func TestParseGlobalFlags(t *testing.T) {
	flags, rest, err := parseGlobalFlags([]string{
		"--config", "fabrica.yaml",
		"--profile=dev",
		"--set", "log.level=debug",
		"--addr", ":9090",
		"--manifest=seed.yaml",
		"serve",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	wantConfig := []string{"--config", "fabrica.yaml", "--profile", "dev", "--set", "log.level=debug"}
	if !reflect.DeepEqual(flags.ConfigArgs, wantConfig) {
		t.Errorf("config args: got %v, want %v", flags.ConfigArgs, wantConfig)
	}
	if flags.ConfigPath != "fabrica.yaml" {
		t.Errorf("config path: got %s", flags.ConfigPath)
	}
	if flags.Profile != "dev" {
		t.Errorf("profile: got %s", flags.Profile)
	}
	if flags.Addr != ":9090" {
		t.Errorf("addr: got %s", flags.Addr)
	}
	if flags.Manifest != "seed.yaml" {
		t.Errorf("manifest: got %s", flags.Manifest)
	}
	if !reflect.DeepEqual(rest, []string{"serve"}) {
		t.Errorf("rest: got %v", rest)
	}
}

func TestParseGlobalFlagsMissingValue(t *testing.T) {
	if _, _, err := parseGlobalFlags([]string{"--config"}); err == nil {
		t.Error("expected error for missing --config value")
	}
	if _, _, err := parseGlobalFlags([]string{"--addr"}); err == nil {
		t.Error("expected error for missing --addr value")
	}
}

func TestParseGlobalFlagsHelp(t *testing.T) {
	flags, _, err := parseGlobalFlags([]string{"-h"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.Help {
		t.Error("expected help flag")
	}
}

func TestShutdownFlushSkipsWithoutSnapshotStore(t *testing.T) {
	ctx := context.Background()
	dir, err := bus.NewDirectory(ctx, embedding.NewStatic(), index.NewInMemory(), bus.NewMemLogger(), bus.DirectoryConfig{})
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	// No sqlite handle means no snapshot store; shutdown must stay quiet.
	shutdownFlush(ctx, dir, nil, logger)
	if buf.Len() != 0 {
		t.Errorf("expected no log output, got %q", buf.String())
	}
}
