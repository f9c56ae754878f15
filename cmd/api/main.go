package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zatekoja/notepipeline/internal/api/handlers"
	"github.com/zatekoja/notepipeline/internal/api/routes"
	"github.com/zatekoja/notepipeline/internal/infrastructure/container"
	"github.com/zatekoja/notepipeline/internal/infrastructure/observability"
	"github.com/zatekoja/notepipeline/pkg/config"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	observability.InitLogger(cfg.OTEL.ServiceName+"-api", cfg.Log.Environment, cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry if enabled
	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("error shutting down OpenTelemetry")
				}
			}()
			log.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	c, err := container.New(ctx, cfg, metrics)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pipeline")
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("error closing pipeline resources")
		}
	}()

	// Expired leases are reclaimed here too so a crashed worker never strands notes.
	c.Sweeper.Start(ctx)

	var sseHandler *handlers.SSEHandler
	if c.Redis != nil {
		sseHandler = handlers.NewSSEHandler(c.Events)
	}

	router := routes.NewRouter(
		handlers.NewProcessingHandler(c.Coordinator),
		sseHandler,
		cfg.Server.AllowedOrigins,
		metrics,
	)

	server := &http.Server{
		Addr:        cfg.Server.ListenAddr(),
		Handler:     router.SetupRoutes(),
		ReadTimeout: 15 * time.Second,
		// No write deadline: synchronous processing and event streams run for minutes.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}
	cancel()

	log.Info().Msg("server stopped")
}
