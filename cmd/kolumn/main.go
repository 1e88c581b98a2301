package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kolumn-data/kolumn/cmd/kolumn/commands"
	"github.com/kolumn-data/kolumn/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	cfg := telemetryConfig()
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid telemetry configuration")
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize logging")
		os.Exit(1)
	}
	log.Logger = logger.Zerolog()

	tracer, err := telemetry.NewTracer(cfg.Tracing,
		cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize tracing")
		os.Exit(1)
	}

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(logger.WithContext(context.Background()))
	defer cancel()

	// Interrupts cancel the context so a running apply halts at the next
	// operation boundary with state already committed.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received interrupt signal, shutting down")
		cancel()
	}()

	execErr := commands.Execute(ctx, commands.Telemetry{
		Tracer:  tracer,
		Metrics: metrics,
	}, Version, Commit, BuildDate)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("trace export shutdown failed")
	}

	if execErr != nil {
		log.Error().Err(execErr).Msg("command execution failed")
		os.Exit(1)
	}
}

// telemetryConfig builds the telemetry configuration from the environment.
func telemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = Version

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if env := os.Getenv("KOLUMN_ENV"); env != "" {
		cfg.Environment = env
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = endpoint
	}
	return cfg
}
