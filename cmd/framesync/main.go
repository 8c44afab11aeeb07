// Command framesync is the main entry point for the framesync video I/O
// daemon.
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

	"github.com/MrWong99/framesync/internal/app"
	"github.com/MrWong99/framesync/internal/config"
	"github.com/MrWong99/framesync/internal/observe"
	"github.com/MrWong99/framesync/pkg/device"
	"github.com/MrWong99/framesync/pkg/device/emulated"
	"github.com/MrWong99/framesync/pkg/media"
	"github.com/MrWong99/framesync/pkg/timebase"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "framesync.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload sync groups, workloads and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "framesync: config file %q not found; pass -config with the path to a YAML file\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "framesync: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("framesync starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"registry", cfg.Registry.Backend,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Device drivers ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDevices(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, next *config.Config) {
			diff := config.Diff(old, next)
			if diff.LogLevelChanged {
				level.Set(slogLevel(next.Server.LogLevel))
				slog.Info("log level changed", "level", next.Server.LogLevel)
			}
			if err := application.ApplyConfig(ctx, next); err != nil {
				slog.Error("failed to apply config change", "err", err)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down", "channels", len(cfg.Channels), "devices", len(cfg.Devices))

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinDevices registers the device drivers that ship with
// framesync.
func registerBuiltinDevices(reg *config.Registry) {
	reg.RegisterDevice("emulated", func(dc config.DeviceConfig) (device.Device, error) {
		var mode media.DisplayMode
		if dc.SignalMode != "" {
			m, ok := media.LookupMode(dc.SignalMode)
			if !ok {
				return nil, fmt.Errorf("device %q: unknown signal mode %q", dc.ID, dc.SignalMode)
			}
			mode = m
		}
		return emulated.New(dc.ID,
			emulated.WithClock(timebase.NewWallClock(dc.ClockRate)),
			emulated.WithReference(dc.Reference != ""),
			emulated.WithSignal(mode, dc.SignalColorDepth),
			emulated.WithLogger(slog.Default()),
		), nil
	})
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
