// Command radiocast captures system audio and streams it to a remote
// WebSocket ingest, serving a local control API for the host shell.
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

	"github.com/joho/godotenv"

	"github.com/MrWong99/radiocast/internal/app"
	"github.com/MrWong99/radiocast/internal/config"
	"github.com/MrWong99/radiocast/internal/observe"
	"github.com/MrWong99/radiocast/pkg/audio"
	"github.com/MrWong99/radiocast/pkg/audio/ffmpeg"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "radiocast: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "radiocast: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "radiocast: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(&level))

	slog.Info("radiocast starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"backend", cfg.Capture.Backend,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Capture backend ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBackends(reg)

	src, err := reg.CreateSource(cfg.Capture)
	if err != nil {
		slog.Error("failed to create capture source", "backend", cfg.Capture.Backend, "available", reg.Backends(), "err", err)
		return 1
	}

	application, err := app.New(cfg, src,
		app.WithConfigPath(*configPath),
		app.WithLevelVar(&level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Capture backends ──────────────────────────────────────────────────────────

// registerBackends wires every capture backend compiled into this binary.
func registerBackends(reg *config.Registry) {
	reg.RegisterSource("ffmpeg", func(c config.CaptureConfig) (audio.Source, error) {
		return ffmpeg.New(
			ffmpeg.WithPath(c.FFmpeg.Path),
			ffmpeg.WithInput(c.FFmpeg.InputFormat, c.FFmpeg.Input),
		), nil
	})
	registerPortAudio(reg)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
