// RivetKit runner — hosts actor instances, serves the manager API, and
// exposes the WebSocket/SSE/HTTP connection surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/rivetkit/rivetkit-go/pkg/actor"
	"github.com/rivetkit/rivetkit-go/pkg/config"
	"github.com/rivetkit/rivetkit-go/pkg/driver"
	"github.com/rivetkit/rivetkit-go/pkg/manager"
	"github.com/rivetkit/rivetkit-go/pkg/protocol"
	"github.com/rivetkit/rivetkit-go/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// counterState backs the built-in demo actor.
type counterState struct {
	Count int64 `json:"count"`
}

// counterDefinition is the reference actor registered by the standalone
// runner: a persistent counter with a countChanged broadcast.
func counterDefinition() *actor.Definition {
	return &actor.Definition{
		Name: "counter",
		CreateState: func(context.Context, *actor.Context, []byte) (any, error) {
			return &counterState{}, nil
		},
		StatePrototype: func() any { return &counterState{} },
		Actions: map[string]actor.Action{
			"increment": func(ctx context.Context, c *actor.Context, args []byte) (any, error) {
				var by int64
				if err := protocol.UnmarshalCBOR(args, &by); err != nil {
					return nil, err
				}
				st := c.State().(*counterState)
				st.Count += by
				c.MarkStateChanged()
				if err := c.Broadcast("countChanged", st.Count); err != nil {
					return nil, err
				}
				return st.Count, nil
			},
			"getCount": func(ctx context.Context, c *actor.Context, args []byte) (any, error) {
				return c.State().(*counterState).Count, nil
			},
		},
	}
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting RivetKit runner",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize storage driver
	var (
		actorDrv driver.ActorDriver
		mgrDrv   driver.ManagerDriver
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pgCfg := cfg.Storage.Postgres
		if pgCfg == nil {
			pgCfg = config.DefaultPostgresConfig()
		}
		pg, err := driver.NewPostgresDriver(ctx, pgCfg)
		if err != nil {
			slog.Error("Failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pg.Close(); err != nil {
				slog.Error("Error closing postgres driver", "error", err)
			}
		}()
		actorDrv, mgrDrv = pg, pg
		slog.Info("Connected to PostgreSQL storage", "host", pgCfg.Host, "database", pgCfg.Database)
	case "memory", "":
		mem := driver.NewMemoryDriver()
		actorDrv, mgrDrv = mem, mem
		slog.Info("Using in-memory storage")
	default:
		slog.Error("Unknown storage driver", "driver", cfg.Storage.Driver)
		os.Exit(1)
	}

	// 3. Register actor definitions
	registry := actor.NewRegistry()
	if err := registry.Register(counterDefinition()); err != nil {
		slog.Error("Failed to register actor definition", "error", err)
		os.Exit(1)
	}
	slog.Info("Actor definitions registered", "names", registry.Names())

	// 4. Create supervisor and gateway server
	supervisor := manager.NewSupervisor(registry, mgrDrv, actorDrv, cfg.Actors, nil, slog.Default())
	httpServer := manager.NewServer(cfg, registry, mgrDrv, supervisor, slog.Default())

	// 5. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("RivetKit runner started",
		"runner", cfg.Runner.Name,
		"serverless", cfg.Runner.Serverless)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Stop accepting new requests
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// 8. Stop live actors, persisting their state
	actorShutdownCtx, actorCancel := context.WithTimeout(ctx, 30*time.Second)
	defer actorCancel()
	supervisor.Shutdown(actorShutdownCtx)

	slog.Info("Shutdown complete")
}
