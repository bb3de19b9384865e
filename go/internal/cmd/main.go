package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/tracing"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if getEnv("LOG_PRETTY", "") != "" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	configPath := getEnv("CONFIG_PATH", "config.yaml")
	cfg, err := loadConfig(configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatal().Err(err).Msg("failed to load config")
		}

		// Every setting has a default, so a missing file just means defaults.
		log.Warn().Str("path", configPath).Msg("config file not found, using defaults")
		cfg = &Config{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := tracing.Init(ctx, tracing.Config{
		ServiceName:       stringOr(cfg.Service.Name, "link-event-pipeline"),
		ServiceVersion:    stringOr(cfg.Service.Version, "dev"),
		DeploymentEnv:     stringOr(cfg.Service.Env, "local"),
		CollectorEndpoint: stringOr(cfg.Telemetry.CollectorEndpoint, getEnv("OTEL_COLLECTOR_ENDPOINT", "localhost:4317")),
		Enable:            cfg.Telemetry.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init telemetry")
	}

	database, dsn, err := setupDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup database")
	}
	defer database.Close()

	pipeline, err := setupPipeline(cfg, database, dsn, tel)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup pipeline")
	}
	defer pipeline.Close()

	errChan := make(chan error, 2)

	go func() {
		if err := pipeline.Listener.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	go func() {
		if err := pipeline.Consumer.Run(ctx); err != nil {
			errChan <- err
		}
	}()

	if err := pipeline.Poller.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start fallback poller")
	}

	pipeline.Reaper.Start(ctx)
	pipeline.Sweeper.Start(ctx)

	log.Info().Msg("event pipeline running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("pipeline component failed, shutting down")
	}

	cancel()

	pipeline.Sweeper.Stop()
	pipeline.Reaper.Stop()
	if err := pipeline.Poller.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop poller")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := tel.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down telemetry")
	}

	log.Info().Msg("event pipeline stopped")
}
