// Command loquax is the main entry point for the Loquax transcription
// server.
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

	"github.com/pcurie/loquax/internal/app"
	"github.com/pcurie/loquax/internal/config"
	"github.com/pcurie/loquax/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "loquax: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "loquax: %v\n", err)
		}
		return 1
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	slog.Info("loquax starting",
		"config", *configPath,
		"http_addr", cfg.HTTPAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry first, so every subsystem records against the real meter
	// provider.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "loquax"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// printStartupSummary logs the effective provider selection.
func printStartupSummary(cfg *config.Config) {
	transcription := cfg.Transcription.Provider
	if cfg.Transcription.Fallback != "" {
		transcription += " (fallback: " + cfg.Transcription.Fallback + ")"
	}
	enrichment := "disabled"
	if cfg.Enrichment.Enabled {
		enrichment = cfg.LLM.Backend + " / " + cfg.LLM.Model
	}
	slog.Info("configuration",
		"transcription", transcription,
		"embeddings", cfg.Embeddings.Provider+" / "+cfg.Embeddings.Model,
		"enrichment", enrichment,
		"guild_id", cfg.Discord.GuildID,
	)
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
