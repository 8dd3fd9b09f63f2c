package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	mcpadapter "github.com/jllopis/fabrica/pkg/adapters/mcp"
	"github.com/jllopis/fabrica/pkg/bus"
	"github.com/jllopis/fabrica/pkg/config"
	"github.com/jllopis/fabrica/pkg/embedding"
	"github.com/jllopis/fabrica/pkg/index"
	qdrantindex "github.com/jllopis/fabrica/pkg/index/qdrant"
	"github.com/jllopis/fabrica/pkg/registry"
	"github.com/jllopis/fabrica/pkg/telemetry"
)

const version = "0.1.0"

type globalFlags struct {
	ConfigArgs []string
	ConfigPath string
	Profile    string
	Addr       string
	Manifest   string
	Help       bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	global, args, err := parseGlobalFlags(os.Args[1:])
	if err != nil {
		fatal(err)
	}
	if global.Help {
		printUsage()
		return
	}

	cfg, err := config.LoadWithCLI(global.ConfigArgs)
	if err != nil {
		fatal(err)
	}

	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "serve":
		runServe(ctx, global, cfg)
	case "version":
		fmt.Println("fabrica " + version)
	case "help":
		printUsage()
	default:
		fatal(fmt.Errorf("unknown command %q", cmd))
	}
}

func parseGlobalFlags(args []string) (globalFlags, []string, error) {
	flags := globalFlags{}
	rest := []string{}

	value := func(i int, name string) (string, int, bool, error) {
		arg := args[i]
		if arg == "--"+name {
			if i+1 >= len(args) {
				return "", i, false, fmt.Errorf("flag --%s requires a value", name)
			}
			return args[i+1], i + 1, true, nil
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			return strings.TrimPrefix(arg, "--"+name+"="), i, true, nil
		}
		return "", i, false, nil
	}

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--help" || args[i] == "-h":
			flags.Help = true
			continue
		}

		matched := false
		for _, name := range []string{"config", "profile", "env", "set"} {
			val, next, ok, err := value(i, name)
			if err != nil {
				return flags, nil, err
			}
			if !ok {
				continue
			}
			flags.ConfigArgs = append(flags.ConfigArgs, "--"+name, val)
			switch name {
			case "config":
				flags.ConfigPath = val
			case "profile", "env":
				flags.Profile = val
			}
			i = next
			matched = true
			break
		}
		if matched {
			continue
		}

		if val, next, ok, err := value(i, "addr"); err != nil {
			return flags, nil, err
		} else if ok {
			flags.Addr = val
			i = next
			continue
		}
		if val, next, ok, err := value(i, "manifest"); err != nil {
			return flags, nil, err
		} else if ok {
			flags.Manifest = val
			i = next
			continue
		}

		rest = append(rest, args[i])
	}

	return flags, rest, nil
}

func runServe(ctx context.Context, global globalFlags, cfg *config.Config) {
	logger, logLevel := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitWithConfig("fabrica", version, telemetry.Config{
			Exporter:     cfg.Telemetry.Exporter,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			OTLPInsecure: cfg.Telemetry.OTLPInsecure,
			OTLPHeaders:  cfg.Telemetry.OTLPHeaders,
			OTLPUser:     cfg.Telemetry.OTLPUser,
			OTLPToken:    cfg.Telemetry.OTLPToken,
		})
		if err != nil {
			fatal(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	var metrics *telemetry.ErrorMetrics
	if cfg.Telemetry.Enabled {
		m, err := telemetry.NewErrorMetrics(ctx)
		if err != nil {
			logger.Warn("metric instruments unavailable", "error", err)
		} else {
			metrics = m
		}
	}

	var (
		store registry.Store
		db    *sql.DB
		err   error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.Store.DSN)
		if err != nil {
			fatal(fmt.Errorf("open sqlite store: %w", err))
		}
		defer db.Close()
		store, err = registry.NewSQLiteStore(db)
		if err != nil {
			fatal(fmt.Errorf("init sqlite store: %w", err))
		}
	case "", "memory":
		store = registry.NewMemStore()
	default:
		fatal(fmt.Errorf("unknown store driver %q", cfg.Store.Driver))
	}

	var idx index.VectorStore
	switch cfg.Index.Provider {
	case "qdrant":
		idx, err = qdrantindex.New(cfg.Index.QdrantAddr)
		if err != nil {
			fatal(fmt.Errorf("connect qdrant: %w", err))
		}
	case "", "inmemory":
		idx = index.NewInMemory()
	default:
		fatal(fmt.Errorf("unknown index provider %q", cfg.Index.Provider))
	}

	var embedder embedding.Service
	switch cfg.Embedder.Provider {
	case "static":
		embedder = embedding.NewStatic()
	case "", "ollama":
		embedder = embedding.NewOllamaClient(cfg.Embedder.BaseURL, cfg.Embedder.EmbedModel, cfg.Embedder.GenerateModel)
	default:
		fatal(fmt.Errorf("unknown embedder provider %q", cfg.Embedder.Provider))
	}

	reg, err := registry.New(ctx, store, idx, embedder, registry.Options{
		Alpha:      cfg.Registry.FusionAlpha,
		VectorSize: uint64(cfg.Index.VectorSize),
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		fatal(fmt.Errorf("init registry: %w", err))
	}

	ilog, err := bus.NewFileLogger(cfg.Bus.InteractionLog)
	if err != nil {
		fatal(fmt.Errorf("open interaction log: %w", err))
	}
	defer ilog.Close()

	dir, err := bus.NewDirectory(ctx, embedder, idx, ilog, bus.DirectoryConfig{
		HeartbeatInterval: cfg.Bus.HeartbeatInterval,
		MissedThreshold:   cfg.Bus.MissedThreshold,
		PurgeGrace:        cfg.Bus.PurgeGrace,
		SweepInterval:     cfg.Bus.SweepInterval,
		VectorSize:        uint64(cfg.Index.VectorSize),
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		fatal(fmt.Errorf("init directory: %w", err))
	}
	if db != nil {
		snap, err := bus.NewSQLiteSnapshotStore(db)
		if err != nil {
			fatal(fmt.Errorf("init snapshot store: %w", err))
		}
		dir.SetSnapshotStore(snap)
		if err := dir.Load(ctx); err != nil {
			logger.Warn("directory snapshot restore failed", "error", err)
		}
	}
	go dir.Run(ctx)

	invoker := mcpadapter.NewInvoker()
	router, err := bus.NewRouter(dir, invoker, ilog, bus.RouterConfig{
		BreakerThreshold:       cfg.Bus.BreakerThreshold,
		BreakerCooldown:        cfg.Bus.BreakerCooldown,
		MaxInflightPerProvider: cfg.Bus.MaxInflight,
		Metrics:                metrics,
		Logger:                 logger,
	})
	if err != nil {
		fatal(fmt.Errorf("init router: %w", err))
	}

	if global.Manifest != "" {
		if err := applyManifest(ctx, global.Manifest, reg, dir, invoker, logger); err != nil {
			fatal(fmt.Errorf("apply manifest: %w", err))
		}
	}

	addr := cfg.Server.Addr
	if global.Addr != "" {
		addr = global.Addr
	}

	live := config.NewReloadableConfig(cfg)
	if global.ConfigPath != "" {
		watcher, _, err := config.WatchConfig(ctx, global.ConfigPath, global.Profile,
			config.WithWatchLogger(logger))
		if err != nil {
			logger.Warn("config watch unavailable", "path", global.ConfigPath, "error", err)
		} else {
			defer watcher.Stop()
			watcher.OnChange(func(next *config.Config) {
				live.Update(next)
				logLevel.Set(telemetry.ParseLogLevel(next.Log.Level))
				logger.Info("configuration reloaded",
					"log_level", next.Log.Level,
					"max_attempts", next.Bus.MaxAttempts,
					"invoke_timeout", next.Bus.InvokeTimeout)
			})
		}
	}

	api := newServer(reg, dir, router, live, logger)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("fabrica listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	shutdownFlush(shutdownCtx, dir, db, logger)
}

// shutdownFlush persists the directory snapshot on shutdown. Memory-store
// deployments have no snapshot store, so there is nothing to flush.
func shutdownFlush(ctx context.Context, dir *bus.Directory, db *sql.DB, logger *slog.Logger) {
	if db == nil {
		return
	}
	if err := dir.Flush(ctx); err != nil {
		logger.Warn("directory snapshot flush failed", "error", err)
	}
}

func printUsage() {
	fmt.Println(`fabrica - component registry and discovery bus

Usage:
  fabrica [flags] [command]

Commands:
  serve     run the registry and bus server (default)
  version   print the version
  help      show this help

Flags:
  --config PATH     config file (yaml)
  --profile NAME    profile override file (config.NAME.yaml)
  --set key=value   config override (repeatable)
  --addr ADDR       listen address (overrides server.addr)
  --manifest PATH   component/server manifest to load on startup`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
