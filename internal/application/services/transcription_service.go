package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	"github.com/zatekoja/notepipeline/internal/infrastructure/observability"
	"github.com/zatekoja/notepipeline/pkg/circuitbreaker"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
	"github.com/zatekoja/notepipeline/pkg/ratelimit"
	"github.com/zatekoja/notepipeline/pkg/retry"
)

// ServiceTranscription is the rate limiter and breaker key for speech-to-text calls.
const ServiceTranscription = "transcription"

// TranscriptionSettings configures the transcription orchestrator.
type TranscriptionSettings struct {
	StandardModel    string
	HighModel        string
	Language         string
	RequestsPerMin   int
	ChunkConcurrency int
	ChunkBatchPause  time.Duration
	Retry            retry.Config
}

// TranscriptionService turns a recording into text, chunking long or noisy
// recordings and merging the chunk transcripts.
type TranscriptionService struct {
	provider providers.TranscriptionProvider
	splitter providers.AudioSplitter
	analyzer *AudioAnalyzer
	merger   *ChunkMerger
	limiter  ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	metrics  *observability.Metrics
	settings TranscriptionSettings
}

// NewTranscriptionService creates a new transcription orchestrator.
func NewTranscriptionService(
	provider providers.TranscriptionProvider,
	splitter providers.AudioSplitter,
	analyzer *AudioAnalyzer,
	merger *ChunkMerger,
	limiter ratelimit.Limiter,
	breaker *circuitbreaker.Breaker,
	metrics *observability.Metrics,
	settings TranscriptionSettings,
) *TranscriptionService {
	if settings.ChunkConcurrency <= 0 {
		settings.ChunkConcurrency = 3
	}
	if settings.Retry.MaxAttempts == 0 {
		settings.Retry = retry.ExternalCallConfig(apperrors.IsRetryable)
	}
	return &TranscriptionService{
		provider: provider,
		splitter: splitter,
		analyzer: analyzer,
		merger:   merger,
		limiter:  limiter,
		breaker:  breaker,
		metrics:  metrics,
		settings: settings,
	}
}

// Transcribe returns the plain transcript of a recording.
func (s *TranscriptionService) Transcribe(ctx context.Context, data []byte, filename string) (string, error) {
	result, err := s.transcribe(ctx, data, filename, false)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// TranscribeDetailed returns the transcript with language, duration and segments.
func (s *TranscriptionService) TranscribeDetailed(ctx context.Context, data []byte, filename string) (*entities.TranscriptionResult, error) {
	return s.transcribe(ctx, data, filename, true)
}

func (s *TranscriptionService) transcribe(ctx context.Context, data []byte, filename string, detailed bool) (*entities.TranscriptionResult, error) {
	analysis, err := s.analyzer.Analyze(data, filename)
	if err != nil {
		return nil, err
	}

	model := s.settings.StandardModel
	if analysis.Tier == entities.TranscriptionTierHigh && s.settings.HighModel != "" {
		model = s.settings.HighModel
	}

	logger := log.With().
		Str("service", ServiceTranscription).
		Str("filename", filename).
		Str("format", string(analysis.Format)).
		Str("tier", string(analysis.Tier)).
		Dur("estimated_duration", analysis.EstimatedDuration).
		Logger()

	if analysis.NeedsChunking() {
		chunks, err := s.splitter.Split(data, filename, analysis)
		switch {
		case errors.Is(err, providers.ErrUnsplittable):
			logger.Warn().Err(err).Msg("container cannot be chunked, sending whole recording")
		case err != nil:
			return nil, fmt.Errorf("failed to split recording: %w", err)
		default:
			logger.Info().Int("chunks", len(chunks)).Strs("reasons", analysis.Reasons).Msg("transcribing in chunks")
			result, err := s.transcribeChunks(ctx, chunks, model, detailed)
			if err != nil {
				return nil, err
			}
			result.Tier = analysis.Tier
			if result.Duration == 0 {
				result.Duration = analysis.EstimatedDuration.Seconds()
			}
			return result, nil
		}
	}

	result, err := s.call(ctx, &entities.TranscriptionRequest{
		Data:     data,
		Filename: filename,
		Model:    model,
		Language: s.settings.Language,
		Detailed: detailed,
	})
	if err != nil {
		return nil, err
	}
	result.Tier = analysis.Tier
	result.Chunks = 1
	return result, nil
}

// transcribeChunks runs chunks in batches of ChunkConcurrency with a pause
// between batches, then merges the texts in chunk order.
func (s *TranscriptionService) transcribeChunks(ctx context.Context, chunks []entities.AudioChunk, model string, detailed bool) (*entities.TranscriptionResult, error) {
	results := make([]*entities.TranscriptionResult, len(chunks))
	batch := s.settings.ChunkConcurrency

	for start := 0; start < len(chunks); start += batch {
		end := start + batch
		if end > len(chunks) {
			end = len(chunks)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			chunk := chunks[i]
			g.Go(func() error {
				res, err := s.call(gctx, &entities.TranscriptionRequest{
					Data:     chunk.Data,
					Filename: chunk.Filename,
					Model:    model,
					Language: s.settings.Language,
					Detailed: detailed,
				})
				if err != nil {
					return fmt.Errorf("chunk %d: %w", chunk.Index, err)
				}
				results[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		if end < len(chunks) && s.settings.ChunkBatchPause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.settings.ChunkBatchPause):
			}
		}
	}

	texts := make([]string, len(results))
	merged := &entities.TranscriptionResult{Model: model, Chunks: len(chunks)}
	var covered float64
	for i, res := range results {
		texts[i] = res.Text
		if merged.Language == "" {
			merged.Language = res.Language
		}
		offset := chunks[i].Start.Seconds()
		for _, seg := range res.Segments {
			seg.Start += offset
			seg.End += offset
			if seg.Start < covered {
				continue
			}
			merged.Segments = append(merged.Segments, seg)
			covered = seg.End
		}
		if end := chunks[i].End.Seconds(); end > merged.Duration {
			merged.Duration = end
		}
	}
	merged.Text = s.merger.Merge(texts)
	return merged, nil
}

// call is one provider request behind retry, the limiter and the circuit
// breaker. Every attempt is charged to the limiter, so a chunked recording
// costs one admission per chunk request.
func (s *TranscriptionService) call(ctx context.Context, req *entities.TranscriptionRequest) (*entities.TranscriptionResult, error) {
	var result *entities.TranscriptionResult
	err := retry.DoWithLog(ctx, s.settings.Retry, ServiceTranscription, func() error {
		if !s.limiter.TryAcquire(ctx, ServiceTranscription, s.settings.RequestsPerMin) {
			s.metrics.RecordRateLimitDenied(ctx, ServiceTranscription)
			return apperrors.NewAdmissionDeniedError(ServiceTranscription)
		}
		res, err := circuitbreaker.Execute(ctx, s.breaker, func(ctx context.Context) (*entities.TranscriptionResult, error) {
			return s.provider.Transcribe(ctx, req)
		})
		if apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen) {
			s.metrics.RecordBreakerRejection(ctx, s.breaker.Name())
		}
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(attempt int, err error, next time.Duration) {
		log.Warn().
			Err(err).
			Str("service", ServiceTranscription).
			Str("filename", req.Filename).
			Int("attempt", attempt).
			Dur("next_delay", next).
			Msg("transcription call failed, retrying")
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
