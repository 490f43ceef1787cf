// Command sonicbridge is the main entry point for the Sonicbridge voice
// bridge server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/sonicbridge/internal/app"
	"github.com/MrWong99/sonicbridge/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonicbridge: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonicbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("Sonicbridge starting.",
		"version", app.Version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.LogLevel,
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(level, old, new)
	})
	if err != nil {
		slog.Warn("Config watcher not started, hot reload disabled.", "error", err)
	} else {
		defer watcher.Stop()
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Application initialisation failed.", "error", err)
		return 1
	}

	slog.Info("Server ready — press Ctrl+C to shut down.")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Server stopped with error.", "error", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("Shutdown signal received, stopping.")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown finished with errors.", "error", err)
		return 1
	}
	slog.Info("Goodbye.")
	return 0
}

// applyReload applies a changed config file to the running process. Only the
// log level takes effect live; every other change is reported so the operator
// knows a restart is due.
func applyReload(level *slog.LevelVar, old, new *config.Config) {
	diff := config.Diff(old, new)
	if diff.Empty() {
		return
	}

	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("Log level updated.", "log_level", diff.NewLogLevel)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("Config changes need a restart to take effect.",
			"settings", strings.Join(diff.RestartRequired, ", "))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║     Sonicbridge — startup summary      ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Model", cfg.AWS.ModelID)
	printRow("Voice", cfg.Session.VoiceID)
	printRow("Region", cfg.AWS.Region)
	if cfg.AWS.MaxConcurrentStreams > 0 {
		printRow("Max sessions", strconv.Itoa(cfg.AWS.MaxConcurrentStreams))
	} else {
		printRow("Max sessions", "unlimited")
	}
	printRow("Audio queue", fmt.Sprintf("%d chunks", cfg.Session.QueueBound))
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Log level", string(cfg.LogLevel))
	fmt.Println("╚════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

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
