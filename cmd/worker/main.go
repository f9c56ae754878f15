package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zatekoja/notepipeline/internal/application/services"
	"github.com/zatekoja/notepipeline/internal/infrastructure/container"
	"github.com/zatekoja/notepipeline/internal/infrastructure/observability"
	"github.com/zatekoja/notepipeline/pkg/config"
)

func main() {
	var noteID, userID string
	var force, once bool
	var batchSize int

	flag.StringVar(&noteID, "note", "", "Process a single note ID and exit")
	flag.StringVar(&userID, "user", "", "Owner of -note; empty skips the ownership check")
	flag.BoolVar(&force, "force", false, "Reprocess -note even if already completed")
	flag.BoolVar(&once, "once", false, "Run one batch and exit")
	flag.IntVar(&batchSize, "batch", 0, "Batch size (default from PROCESSING_BATCH_SIZE)")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if batchSize <= 0 {
		batchSize = cfg.Processing.BatchSize
	}

	observability.InitLogger(cfg.OTEL.ServiceName+"-worker", cfg.Log.Environment, cfg.Log.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

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

	if noteID != "" {
		result := c.Coordinator.ProcessOne(ctx, noteID, userID, force)
		event := log.Info()
		if !result.Success && !result.Skipped {
			event = log.Error()
		}
		event.
			Str("note_id", noteID).
			Bool("success", result.Success).
			Bool("skipped", result.Skipped).
			Str("error", result.Error).
			Dur("duration", result.Duration).
			Msg("single note run finished")
		return
	}

	if once {
		logBatch(runBatch(ctx, c.Coordinator, batchSize))
		return
	}

	c.Sweeper.Start(ctx)
	poll(ctx, c.Coordinator, batchSize, cfg.Processing.PollInterval)
	log.Info().Msg("worker stopped")
}

func runBatch(ctx context.Context, coordinator *services.ProcessingCoordinator, batchSize int) (*batchRun, time.Duration) {
	start := time.Now()
	result := coordinator.ProcessBatch(ctx, batchSize)
	return &batchRun{processed: result.Processed, failed: result.Failed, skipped: result.Skipped, circuitOpen: result.CircuitOpen}, time.Since(start)
}

type batchRun struct {
	processed, failed, skipped int
	circuitOpen                bool
}

func logBatch(run *batchRun, took time.Duration) {
	event := log.Info()
	if run.circuitOpen {
		event = log.Warn()
	}
	event.
		Int("processed", run.processed).
		Int("failed", run.failed).
		Int("skipped", run.skipped).
		Bool("circuit_open", run.circuitOpen).
		Dur("took", took).
		Msg("batch finished")
}

// poll runs a batch immediately and then once per interval. A full batch is
// followed straight away by the next one.
func poll(ctx context.Context, coordinator *services.ProcessingCoordinator, batchSize int, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	log.Info().Int("batch_size", batchSize).Dur("interval", interval).Msg("worker polling")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			run, took := runBatch(ctx, coordinator, batchSize)
			if run.processed+run.failed+run.skipped > 0 {
				logBatch(run, took)
			}

			next := interval
			if !run.circuitOpen && run.processed+run.failed >= batchSize {
				next = 0
			}
			timer.Reset(next)
		}
	}
}
