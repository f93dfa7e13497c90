// Command voxplane is the voice agent runtime server: a websocket
// gateway fronting per-session VAD/STT/LLM/TTS pipelines, with
// redis-backed session state and postgres-backed call billing.
//
// Exit codes: 0 on clean shutdown, 1 for configuration errors, 2 when
// the listen address cannot be bound, 3 when the session store is
// unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxplane/voxplane/internal/config"
	"github.com/voxplane/voxplane/internal/gateway"
	"github.com/voxplane/voxplane/internal/observe"
	"github.com/voxplane/voxplane/internal/runtime"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxplane: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxplane: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxplane",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	slog.Info("voxplane starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"redis", cfg.Redis.Addr,
		"postgres", cfg.Postgres.DSN != "",
		"log_level", cfg.Server.LogLevel,
	)

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		if errors.Is(err, runtime.ErrStoreUnavailable) {
			return 3
		}
		return 1
	}

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "error", err)
		if errors.Is(err, gateway.ErrBind) {
			return 2
		}
		return 1
	}

	slog.Info("shutdown complete")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
