// Copyright 2026 © The Fabrica Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDetectsChanges(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	initial := `store:
  driver: sqlite
  dsn: test.db
`
	if err := os.WriteFile(configPath, []byte(initial), 0644); err != nil {
		t.Fatalf("failed to write initial config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	// Track changes
	changes := make(chan *Config, 1)
	watcher.OnChange(func(cfg *Config) {
		changes <- cfg
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher.Start(ctx)
	defer watcher.Stop()

	// Verify initial config
	cfg := watcher.Config()
	if cfg.Store.DSN != "test.db" {
		t.Errorf("expected dsn 'test.db', got %q", cfg.Store.DSN)
	}

	// Wait a bit to ensure watcher is running
	time.Sleep(100 * time.Millisecond)

	// Modify config
	updated := `store:
  driver: sqlite
  dsn: updated.db
`
	if err := os.WriteFile(configPath, []byte(updated), 0644); err != nil {
		t.Fatalf("failed to write updated config: %v", err)
	}

	// Wait for change notification
	select {
	case newCfg := <-changes:
		if newCfg.Store.DSN != "updated.db" {
			t.Errorf("expected dsn 'updated.db', got %q", newCfg.Store.DSN)
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("timeout waiting for config change notification")
	}
}

func TestWatcherMultipleListeners(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	initial := `store:
  dsn: v1.db
`
	if err := os.WriteFile(configPath, []byte(initial), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	// Multiple listeners
	count1 := 0
	count2 := 0
	watcher.OnChange(func(*Config) { count1++ })
	watcher.OnChange(func(*Config) { count2++ })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher.Start(ctx)
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	// Trigger change
	if err := os.WriteFile(configPath, []byte(`store:
  dsn: v2.db
`), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both listeners called once, got count1=%d, count2=%d", count1, count2)
	}
}

func TestWatcherStops(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte(`store: {}`), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	watcher, err := NewWatcher([]string{configPath}, WithWatchInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}

	ctx := context.Background()
	watcher.Start(ctx)

	// Stop should complete quickly
	done := make(chan struct{})
	go func() {
		watcher.Stop()
		close(done)
	}()

	select {
	case <-done:
		// Good
	case <-time.After(1 * time.Second):
		t.Error("watcher.Stop() did not complete in time")
	}
}

func TestReloadableConfig(t *testing.T) {
	cfg1 := &Config{
		Store: StoreConfig{DSN: "one.db"},
	}
	cfg2 := &Config{
		Store: StoreConfig{DSN: "two.db"},
	}

	rc := NewReloadableConfig(cfg1)

	// Initial value
	if rc.Get().Store.DSN != "one.db" {
		t.Errorf("expected one.db, got %q", rc.Get().Store.DSN)
	}

	// Update
	rc.Update(cfg2)

	// New value
	if rc.Get().Store.DSN != "two.db" {
		t.Errorf("expected two.db, got %q", rc.Get().Store.DSN)
	}
}

func TestWatchConfigWithProfiles(t *testing.T) {
	tmpDir := t.TempDir()

	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte(`store:
  dsn: base.db
`), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	if err := os.WriteFile(devPath, []byte(`store:
  dsn: dev.db
`), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Without a profile the base file wins even though a dev file exists.
	watcher, cfg, err := WatchConfig(ctx, basePath, "", WithWatchInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to watch config: %v", err)
	}
	defer watcher.Stop()

	if cfg.Store.DSN != "base.db" {
		t.Errorf("expected dsn 'base.db', got %q", cfg.Store.DSN)
	}
}

func TestWatchConfigReloadsProfileLayering(t *testing.T) {
	tmpDir := t.TempDir()

	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte(`store:
  dsn: base.db
log:
  level: info
`), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	if err := os.WriteFile(devPath, []byte(`store:
  dsn: dev.db
`), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcher, cfg, err := WatchConfig(ctx, basePath, "dev", WithWatchInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("failed to watch config: %v", err)
	}
	defer watcher.Stop()

	if cfg.Store.DSN != "dev.db" {
		t.Errorf("expected dsn 'dev.db', got %q", cfg.Store.DSN)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected base log level to survive, got %q", cfg.Log.Level)
	}

	changes := make(chan *Config, 1)
	watcher.OnChange(func(next *Config) {
		changes <- next
	})

	time.Sleep(100 * time.Millisecond)

	// Editing the profile file re-applies the same layering.
	if err := os.WriteFile(devPath, []byte(`store:
  dsn: dev2.db
`), 0644); err != nil {
		t.Fatalf("failed to update dev config: %v", err)
	}

	select {
	case next := <-changes:
		if next.Store.DSN != "dev2.db" {
			t.Errorf("expected dsn 'dev2.db', got %q", next.Store.DSN)
		}
		if next.Log.Level != "info" {
			t.Errorf("expected base log level to survive reload, got %q", next.Log.Level)
		}
	case <-time.After(500 * time.Millisecond):
		t.Error("timeout waiting for profile reload")
	}
}
