// agentgate is a local gateway that unifies heterogeneous coding-agent
// backends behind one streaming WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentgate/agentgate/pkg/config"
	"github.com/agentgate/agentgate/pkg/engine"
	"github.com/agentgate/agentgate/pkg/engine/httpstream"
	"github.com/agentgate/agentgate/pkg/engine/mock"
	"github.com/agentgate/agentgate/pkg/engine/stdio"
	"github.com/agentgate/agentgate/pkg/events"
	"github.com/agentgate/agentgate/pkg/gateway"
	"github.com/agentgate/agentgate/pkg/manager"
	"github.com/agentgate/agentgate/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging() {
	level := slog.LevelInfo
	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// buildAdapter constructs the adapter for one engine entry.
func buildAdapter(ec config.EngineConfig, bus *events.Bus) (engine.Adapter, error) {
	switch ec.Kind {
	case config.KindMock:
		return mock.New(bus), nil
	case config.KindStdio:
		return stdio.New(stdio.Config{
			EngineType: ec.Type,
			Command:    ec.Command,
			WorkDir:    ec.WorkDir,
			Env:        ec.Env,
		}, bus), nil
	case config.KindHTTP:
		return httpstream.New(httpstream.Config{
			EngineType:      ec.Type,
			Command:         ec.Command,
			PreferredPort:   ec.Port,
			PortSearchRange: ec.PortSearchRange,
			WorkDir:         ec.WorkDir,
			Env:             ec.Env,
			StartTimeout:    ec.StartTimeout,
		}, bus), nil
	default:
		return nil, fmt.Errorf("engine %q: unknown kind %q", ec.Type, ec.Kind)
	}
}

func main() {
	configPath := flag.String("config", getEnv("AGENTGATE_CONFIG", ""), "Path to YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}
	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	slog.Info("Starting agentgate",
		"addr", cfg.Server.Addr(),
		"engines", len(cfg.Engines),
		"user_data", cfg.Storage.UserDataDir)

	st, err := store.New(cfg.Storage.UserDataDir)
	if err != nil {
		slog.Error("Failed to open session store", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	mgr := manager.New(bus, st)
	for _, ec := range cfg.Engines {
		adapter, err := buildAdapter(ec, bus)
		if err != nil {
			slog.Error("Failed to build engine", "engine", ec.Type, "error", err)
			os.Exit(1)
		}
		mgr.Register(adapter)
	}
	mgr.RestoreFromStore()

	ctx := context.Background()
	mgr.StartAll(ctx)

	var validator gateway.TokenValidator
	if token := cfg.Server.AuthToken; token != "" {
		validator = func(t string) bool { return t == token }
	}
	srv := gateway.NewServer(mgr, bus, gateway.Options{
		WSPath:    cfg.Server.WSPath,
		Validator: validator,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(cfg.Server.Addr()); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Gateway shutdown incomplete", "error", err)
	}
	mgr.StopAll(shutdownCtx)
	st.Close()
	slog.Info("agentgate stopped")
}
