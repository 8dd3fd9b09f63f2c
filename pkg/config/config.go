package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Store     StoreConfig     `koanf:"store"`
	Index     IndexConfig     `koanf:"index"`
	Embedder  EmbedderConfig  `koanf:"embedder"`
	Registry  RegistryConfig  `koanf:"registry"`
	Bus       BusConfig       `koanf:"bus"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Server    ServerConfig    `koanf:"server"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type StoreConfig struct {
	Driver string `koanf:"driver"` // sqlite, memory
	DSN    string `koanf:"dsn"`
}

type IndexConfig struct {
	Provider   string `koanf:"provider"` // qdrant, inmemory
	QdrantAddr string `koanf:"qdrant_addr"`
	VectorSize int    `koanf:"vector_size"`
}

type EmbedderConfig struct {
	Provider      string `koanf:"provider"` // ollama, static
	BaseURL       string `koanf:"base_url"`
	EmbedModel    string `koanf:"embed_model"`
	GenerateModel string `koanf:"generate_model"`
}

type RegistryConfig struct {
	FusionAlpha float64 `koanf:"fusion_alpha"`
}

type BusConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	MissedThreshold   int           `koanf:"missed_threshold"`
	PurgeGrace        time.Duration `koanf:"purge_grace"`
	SweepInterval     time.Duration `koanf:"sweep_interval"`
	BreakerThreshold  int           `koanf:"breaker_threshold"`
	BreakerCooldown   time.Duration `koanf:"breaker_cooldown"`
	MaxAttempts       int           `koanf:"max_attempts"`
	InvokeTimeout     time.Duration `koanf:"invoke_timeout"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxInflight       int           `koanf:"max_inflight"`
	InteractionLog    string        `koanf:"interaction_log"`
}

type TelemetryConfig struct {
	Enabled      bool              `koanf:"enabled"`
	Exporter     string            `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string            `koanf:"otlp_endpoint"`
	OTLPInsecure bool              `koanf:"otlp_insecure"`
	OTLPHeaders  map[string]string `koanf:"otlp_headers"`
	OTLPUser     string            `koanf:"otlp_user"`
	OTLPToken    string            `koanf:"otlp_token"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("store.driver", "memory")
	k.Set("store.dsn", "fabrica.db")

	k.Set("index.provider", "inmemory")
	k.Set("index.qdrant_addr", "localhost:6334")
	k.Set("index.vector_size", 768)

	k.Set("embedder.provider", "ollama")
	k.Set("embedder.base_url", "http://localhost:11434")
	k.Set("embedder.embed_model", "nomic-embed-text")
	k.Set("embedder.generate_model", "qwen2.5-coder:7b-instruct-q5_K_M")

	k.Set("registry.fusion_alpha", 0.6)

	k.Set("bus.heartbeat_interval", "5s")
	k.Set("bus.missed_threshold", 3)
	k.Set("bus.sweep_interval", "5s")
	k.Set("bus.breaker_threshold", 5)
	k.Set("bus.breaker_cooldown", "30s")
	k.Set("bus.max_attempts", 3)
	k.Set("bus.invoke_timeout", "10s")
	k.Set("bus.initial_backoff", "100ms")
	k.Set("bus.max_inflight", 8)
	k.Set("bus.interaction_log", "interactions.jsonl")

	k.Set("telemetry.enabled", false)
	k.Set("telemetry.exporter", "stdout")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)

	k.Set("server.addr", ":8080")
}

// load layers defaults, config files in order, env overrides,
// and finally explicit --set style overrides.
func load(paths []string, sets map[string]any) (*Config, error) {
	k := koanf.New(".")

	setDefaults(k)

	// 1. Load from files, later files override earlier ones
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV (FABRICA_LOG_LEVEL -> log.level)
	if err := k.Load(env.Provider("FABRICA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "FABRICA_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// 3. Explicit overrides win over everything
	for key, val := range sets {
		k.Set(key, val)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func Load(path string) (*Config, error) {
	return load([]string{path}, nil)
}

// LoadWithProfile loads the base config file plus a profile-specific
// override next to it (config.yaml + config.dev.yaml for profile "dev").
// A missing profile file is not an error.
func LoadWithProfile(path, profile string) (*Config, error) {
	paths := []string{path}
	if pp := profileConfigPath(path, profile); pp != "" {
		paths = append(paths, pp)
	}
	return load(paths, nil)
}

// profileConfigPath returns the path of the profile override file for
// the given base config path, or "" when it does not exist.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	dir := filepath.Dir(base)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(filepath.Base(base), ext)
	path := filepath.Join(dir, name+"."+profile+ext)
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// LoadWithCLI parses config-related flags from args and loads
// accordingly. Recognized flags: --config PATH, --profile NAME
// (--env is an alias), and repeatable --set key=value.
func LoadWithCLI(args []string) (*Config, error) {
	var configPath, profile string
	sets := make(map[string]any)

	flagValue := func(i int, name string) (string, int, bool) {
		arg := args[i]
		if arg == "--"+name {
			if i+1 < len(args) {
				return args[i+1], i + 1, true
			}
			return "", i, false
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			return strings.TrimPrefix(arg, "--"+name+"="), i, true
		}
		return "", i, false
	}

	for i := 0; i < len(args); i++ {
		for _, name := range []string{"config", "profile", "env", "set"} {
			val, next, ok := flagValue(i, name)
			if !ok {
				continue
			}
			switch name {
			case "config":
				configPath = val
			case "profile", "env":
				profile = val
			case "set":
				key, value, found := strings.Cut(val, "=")
				if !found {
					return nil, fmt.Errorf("invalid --set %q, want key=value", val)
				}
				sets[key] = value
			}
			i = next
			break
		}
	}

	paths := []string{configPath}
	if pp := profileConfigPath(configPath, profile); pp != "" {
		paths = append(paths, pp)
	}
	return load(paths, sets)
}
