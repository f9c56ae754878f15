package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	"github.com/zatekoja/notepipeline/internal/domain/repositories"
	"github.com/zatekoja/notepipeline/internal/infrastructure/observability"
	"github.com/zatekoja/notepipeline/pkg/circuitbreaker"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

const (
	cleanupTimeout       = 10 * time.Second
	errorBreakdownWindow = 24 * time.Hour
)

// Transcriber produces a transcript for a recording.
type Transcriber interface {
	TranscribeDetailed(ctx context.Context, data []byte, filename string) (*entities.TranscriptionResult, error)
}

// NoteAnalyzer produces the structured analysis of a transcript.
type NoteAnalyzer interface {
	Analyze(ctx context.Context, transcript, contextText string, recordedAt time.Time) (*entities.AnalysisOutcome, error)
}

// BackendReporter reports which rate limiter backend is active.
type BackendReporter interface {
	Backend() string
}

// CoordinatorSettings configures the processing coordinator.
type CoordinatorSettings struct {
	LockTimeoutMinutes int
	MaxAttempts        int
	NoteConcurrency    int
	RetryCooldown      time.Duration
	ContextNotes       int
}

// ProcessingCoordinator drives notes through lock, transcription, analysis and persistence.
type ProcessingCoordinator struct {
	notes       repositories.NoteRepository
	errorLog    repositories.ProcessingErrorRepository
	locks       *LockManager
	store       providers.AudioStore
	transcriber Transcriber
	analyzer    NoteAnalyzer
	events      providers.EventBus
	breakers    *circuitbreaker.Registry
	limiter     BackendReporter
	metrics     *observability.Metrics
	settings    CoordinatorSettings

	inFlight  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	latencyNs atomic.Int64

	mu        sync.Mutex
	localErrs map[string]int64
	now       func() time.Time
}

// NewProcessingCoordinator creates a coordinator. errorLog, events, breakers,
// limiter and metrics may be nil.
func NewProcessingCoordinator(
	notes repositories.NoteRepository,
	errorLog repositories.ProcessingErrorRepository,
	locks *LockManager,
	store providers.AudioStore,
	transcriber Transcriber,
	analyzer NoteAnalyzer,
	events providers.EventBus,
	breakers *circuitbreaker.Registry,
	limiter BackendReporter,
	metrics *observability.Metrics,
	settings CoordinatorSettings,
) *ProcessingCoordinator {
	if settings.LockTimeoutMinutes <= 0 {
		settings.LockTimeoutMinutes = int(entities.DefaultLockTimeout / time.Minute)
	}
	if settings.NoteConcurrency <= 0 {
		settings.NoteConcurrency = 1
	}
	return &ProcessingCoordinator{
		notes:       notes,
		errorLog:    errorLog,
		locks:       locks,
		store:       store,
		transcriber: transcriber,
		analyzer:    analyzer,
		events:      events,
		breakers:    breakers,
		limiter:     limiter,
		metrics:     metrics,
		settings:    settings,
		localErrs:   make(map[string]int64),
		now:         time.Now,
	}
}

func (c *ProcessingCoordinator) lockTimeout() time.Duration {
	return minutes(c.settings.LockTimeoutMinutes)
}

// ProcessOne processes a single note. userID, when set, must own the note.
// force reprocesses completed or terminally failed notes and ignores the
// transcript checkpoint.
func (c *ProcessingCoordinator) ProcessOne(ctx context.Context, noteID, userID string, force bool) *entities.ProcessingResult {
	note, err := c.notes.GetByID(ctx, noteID)
	if err != nil {
		return failureResult(noteID, err)
	}
	if userID != "" && note.UserID != userID {
		return failureResult(noteID, apperrors.NewNotFoundError(fmt.Sprintf("note %s not found for user", noteID)))
	}

	switch note.State(c.lockTimeout(), c.settings.MaxAttempts, c.now()) {
	case entities.NoteStateCompleted:
		if !force {
			result := &entities.ProcessingResult{NoteID: note.ID, Success: true, Skipped: true, Analysis: note.Analysis, Warning: "note already processed"}
			if note.Transcript != nil {
				result.Transcription = *note.Transcript
			}
			return result
		}
	case entities.NoteStateFailedTerminal:
		if !force {
			return c.terminalResult(ctx, note)
		}
	}

	return c.process(ctx, note, force)
}

// process acquires the lock and runs the pipeline for note.
func (c *ProcessingCoordinator) process(ctx context.Context, note *entities.Note, force bool) *entities.ProcessingResult {
	start := c.now()
	logger := log.With().Str("note_id", note.ID).Str("user_id", note.UserID).Logger()

	lease, err := c.locks.Acquire(ctx, note.ID, c.settings.LockTimeoutMinutes)
	if err != nil {
		logger.Error().Err(err).Msg("failed to acquire processing lock")
		return failureResult(note.ID, err)
	}
	if lease == nil {
		logger.Debug().Msg("note locked by another worker, skipping")
		c.metrics.RecordNoteOutcome(ctx, "skipped", "")
		return &entities.ProcessingResult{
			NoteID:    note.ID,
			Skipped:   true,
			Error:     "note is being processed by another worker",
			ErrorType: string(apperrors.ErrorTypeLockContention),
		}
	}

	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	ctx, span := observability.StartSpan(ctx, "notes.process")
	defer span.End()

	transcript, outcome, stage, err := c.run(ctx, note, lease, force, logger)
	duration := c.now().Sub(start)

	if err != nil {
		observability.RecordError(span, err)
		charged := c.fail(ctx, note, lease, stage, err, logger)
		result := failureResult(note.ID, err)
		result.Deferred = !charged
		result.Duration = duration
		result.Transcription = transcript
		return result
	}

	c.processed.Add(1)
	c.latencyNs.Add(int64(duration))
	c.metrics.RecordNoteOutcome(ctx, "processed", "")
	c.publish(ctx, note, entities.NoteEventTypeProcessed, map[string]interface{}{
		"tier":       string(outcome.Tier),
		"from_cache": outcome.FromCache,
		"confidence": outcome.Analysis.Confidence,
	})

	logger.Info().
		Dur("duration", duration).
		Str("tier", string(outcome.Tier)).
		Bool("from_cache", outcome.FromCache).
		Msg("note processed")

	return &entities.ProcessingResult{
		NoteID:        note.ID,
		Success:       true,
		Warning:       strings.Join(outcome.Warnings, "; "),
		Transcription: transcript,
		Analysis:      outcome.Analysis,
		Duration:      duration,
	}
}

// run executes the stages. It returns the stage that failed alongside the error.
func (c *ProcessingCoordinator) run(ctx context.Context, note *entities.Note, lease *entities.Lease, force bool, logger zerolog.Logger) (string, *entities.AnalysisOutcome, string, error) {
	var transcript string

	if note.HasTranscript() && !force {
		transcript = *note.Transcript
		logger.Debug().Msg("reusing checkpointed transcript")
	} else {
		stageStart := c.now()
		data, err := c.store.FetchBytes(ctx, note.AudioRef)
		c.metrics.RecordStage(ctx, entities.StageFetch, c.now().Sub(stageStart), err)
		if err != nil {
			return "", nil, entities.StageFetch, fmt.Errorf("failed to fetch audio: %w", err)
		}

		stageStart = c.now()
		result, err := c.transcriber.TranscribeDetailed(ctx, data, note.Filename())
		c.metrics.RecordStage(ctx, entities.StageTranscribe, c.now().Sub(stageStart), err)
		if err != nil {
			return "", nil, entities.StageTranscribe, fmt.Errorf("transcription failed: %w", err)
		}
		transcript = result.Text

		if err := c.notes.SaveTranscript(ctx, lease, transcript); apperrors.IsLeaseLost(err) {
			return transcript, nil, entities.StagePersist, fmt.Errorf("failed to checkpoint transcript: %w", err)
		} else if err != nil {
			logger.Warn().Err(err).Msg("failed to checkpoint transcript")
		} else {
			c.publish(ctx, note, entities.NoteEventTypeTranscribed, map[string]interface{}{
				"tier":   string(result.Tier),
				"chunks": result.Chunks,
			})
		}
	}

	contextText := ""
	if c.settings.ContextNotes > 0 && note.UserID != "" {
		uc, err := c.notes.RecentContext(ctx, note.UserID, note.ID, c.settings.ContextNotes)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to load user context")
		} else {
			contextText = BuildContextText(uc)
		}
	}

	stageStart := c.now()
	outcome, err := c.analyzer.Analyze(ctx, transcript, contextText, note.RecordedAt)
	c.metrics.RecordStage(ctx, entities.StageAnalyze, c.now().Sub(stageStart), err)
	if err != nil {
		return transcript, nil, entities.StageAnalyze, fmt.Errorf("analysis failed: %w", err)
	}

	stageStart = c.now()
	err = c.notes.SaveResult(ctx, lease, transcript, outcome.Analysis)
	c.metrics.RecordStage(ctx, entities.StagePersist, c.now().Sub(stageStart), err)
	if err != nil {
		return transcript, nil, entities.StagePersist, fmt.Errorf("failed to save result: %w", err)
	}

	return transcript, outcome, "", nil
}

// fail releases the lock and records the error. It reports whether the note
// was charged an attempt. Failures that are not the note's fault (an open
// circuit, a local rate limit denial, cancellation) release the lock without
// counting, and a lost lease leaves the lock to its new holder.
func (c *ProcessingCoordinator) fail(ctx context.Context, note *entities.Note, lease *entities.Lease, stage string, err error, logger zerolog.Logger) bool {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	category := string(apperrors.Categorize(err))

	if apperrors.IsLeaseLost(err) {
		logger.Warn().Err(err).Str("stage", stage).Msg("processing lease lost, discarding result")
		c.metrics.RecordNoteOutcome(ctx, "skipped", "")
		return false
	}

	var reason string
	switch {
	case errors.Is(err, context.Canceled):
		reason = "processing canceled, releasing note"
	case apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen):
		reason = "circuit open, releasing note for a later cycle"
	case apperrors.IsAdmissionDenied(err):
		reason = "rate limit budget exhausted, releasing note for a later cycle"
	}
	if reason != "" {
		logger.Warn().Err(err).Str("stage", stage).Msg(reason)
		c.metrics.RecordNoteOutcome(ctx, "skipped", "")
		if relErr := c.locks.Release(cleanupCtx, lease); relErr != nil {
			logger.Error().Err(relErr).Msg("failed to release processing lock")
		}
		return false
	}

	permanent := apperrors.IsPermanent(err)
	c.failed.Add(1)
	c.metrics.RecordNoteOutcome(ctx, "failed", category)

	c.mu.Lock()
	c.localErrs[category]++
	c.mu.Unlock()

	logger.Error().
		Err(err).
		Str("stage", stage).
		Str("category", category).
		Bool("permanent", permanent).
		Int("attempt", note.AttemptCount+1).
		Msg("note processing failed")

	if relErr := c.locks.ReleaseWithError(cleanupCtx, lease, err.Error(), permanent); relErr != nil {
		logger.Error().Err(relErr).Msg("failed to record processing error on note")
	}

	if c.errorLog != nil {
		record := &entities.ProcessingErrorRecord{
			NoteID:    note.ID,
			UserID:    note.UserID,
			Stage:     stage,
			Category:  category,
			ErrorType: string(apperrors.TypeOf(err)),
			Message:   err.Error(),
			Permanent: permanent,
			Attempt:   note.AttemptCount + 1,
		}
		if logErr := c.errorLog.Record(cleanupCtx, record); logErr != nil {
			logger.Warn().Err(logErr).Msg("failed to append processing error log")
		}
	}

	c.publish(cleanupCtx, note, entities.NoteEventTypeFailed, map[string]interface{}{
		"stage":     stage,
		"category":  category,
		"permanent": permanent,
	})
	return true
}

// terminalResult reports a note that will not be retried without force. The
// type and category come from the last recorded error when the log has one.
func (c *ProcessingCoordinator) terminalResult(ctx context.Context, note *entities.Note) *entities.ProcessingResult {
	result := &entities.ProcessingResult{
		NoteID:    note.ID,
		Skipped:   true,
		Error:     "note failed permanently",
		ErrorType: string(apperrors.ErrorTypeAttemptsExhausted),
	}
	if note.ErrorMessage != nil {
		result.Error = *note.ErrorMessage
	}
	if note.ErrorPermanent {
		result.ErrorType = string(apperrors.ErrorTypeValidation)
	}

	if c.errorLog == nil {
		return result
	}
	records, err := c.errorLog.ListByNote(ctx, note.ID, 1)
	if err != nil {
		log.Warn().Err(err).Str("note_id", note.ID).Msg("failed to load last processing error")
		return result
	}
	if len(records) > 0 {
		last := records[0]
		result.ErrorCategory = last.Category
		if note.ErrorPermanent && last.ErrorType != "" {
			result.ErrorType = last.ErrorType
		}
	}
	return result
}

func (c *ProcessingCoordinator) publish(ctx context.Context, note *entities.Note, eventType entities.NoteEventType, details map[string]interface{}) {
	if c.events == nil {
		return
	}
	event := entities.NewNoteEvent(note.ID, note.UserID, eventType, details)
	channels := []string{providers.EventChannelNotes}
	if note.UserID != "" {
		channels = append(channels, providers.GetUserChannel(note.UserID))
	}
	for _, channel := range channels {
		if err := c.events.Publish(ctx, channel, event); err != nil {
			log.Warn().Err(err).Str("note_id", note.ID).Str("channel", channel).Str("event_type", string(eventType)).Msg("failed to publish note event")
		}
	}
}

// ProcessBatch processes up to batchSize eligible notes concurrently. Once a
// note hits an open circuit or an exhausted rate limit budget no further notes
// are dispatched this cycle.
func (c *ProcessingCoordinator) ProcessBatch(ctx context.Context, batchSize int) *entities.BatchResult {
	batch := &entities.BatchResult{Errors: []string{}}

	notes, err := c.notes.ListEligible(ctx, repositories.EligibleFilter{
		Limit:         batchSize,
		MaxAttempts:   c.settings.MaxAttempts,
		LockTimeout:   c.lockTimeout(),
		RetryCooldown: c.settings.RetryCooldown,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to list eligible notes")
		batch.Errors = append(batch.Errors, err.Error())
		return batch
	}
	if len(notes) == 0 {
		return batch
	}

	var (
		mu   sync.Mutex
		halt atomic.Bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.settings.NoteConcurrency)

	for _, note := range notes {
		if halt.Load() || gctx.Err() != nil {
			mu.Lock()
			batch.Skipped++
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			if halt.Load() {
				mu.Lock()
				batch.Skipped++
				mu.Unlock()
				return nil
			}

			result := c.process(gctx, note, false)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case result.Success:
				batch.Processed++
			case result.ErrorType == string(apperrors.ErrorTypeCircuitOpen):
				halt.Store(true)
				batch.CircuitOpen = true
				batch.Skipped++
				batch.Errors = append(batch.Errors, fmt.Sprintf("%s: %s", note.ID, result.Error))
			case result.Deferred && result.ErrorType == string(apperrors.ErrorTypeRateLimit):
				halt.Store(true)
				batch.Skipped++
				batch.Errors = append(batch.Errors, fmt.Sprintf("%s: %s", note.ID, result.Error))
			case result.Skipped, result.Deferred:
				batch.Skipped++
			default:
				batch.Failed++
				batch.Errors = append(batch.Errors, fmt.Sprintf("%s: %s", note.ID, result.Error))
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Int("processed", batch.Processed).
		Int("failed", batch.Failed).
		Int("skipped", batch.Skipped).
		Bool("circuit_open", batch.CircuitOpen).
		Msg("batch complete")
	return batch
}

// HealthMetrics reports breaker states, throughput and error breakdown.
func (c *ProcessingCoordinator) HealthMetrics(ctx context.Context) *entities.HealthMetrics {
	processed := c.processed.Load()
	failed := c.failed.Load()

	metrics := &entities.HealthMetrics{
		CircuitBreakers: []entities.BreakerHealth{},
		SuccessRate:     1,
		TotalProcessed:  processed,
		TotalFailed:     failed,
	}
	if total := processed + failed; total > 0 {
		metrics.SuccessRate = float64(processed) / float64(total)
	}
	if processed > 0 {
		metrics.AverageLatency = time.Duration(c.latencyNs.Load() / processed)
	}

	if c.breakers != nil {
		for _, snap := range c.breakers.Snapshots() {
			categories := make(map[string]int64, len(snap.Categories))
			for k, v := range snap.Categories {
				categories[string(k)] = v
			}
			metrics.CircuitBreakers = append(metrics.CircuitBreakers, entities.BreakerHealth{
				Name:                snap.Name,
				State:               snap.State,
				ConsecutiveFailures: snap.ConsecutiveFailures,
				TotalFailures:       snap.TotalFailures,
				LastFailureAt:       snap.LastFailureAt,
				Categories:          categories,
			})
		}
	}

	metrics.CurrentlyProcessing = c.inFlight.Load()
	if n, err := c.notes.CountLocked(ctx, c.lockTimeout()); err != nil {
		log.Warn().Err(err).Msg("failed to count locked notes, reporting local in-flight count")
	} else {
		metrics.CurrentlyProcessing = n
	}

	metrics.ErrorBreakdown = c.localErrorBreakdown()
	if c.errorLog != nil {
		counts, err := c.errorLog.CountByCategory(ctx, c.now().Add(-errorBreakdownWindow))
		if err != nil {
			log.Warn().Err(err).Msg("failed to load error breakdown, reporting local counts")
		} else {
			metrics.ErrorBreakdown = counts
		}
	}

	if c.limiter != nil {
		metrics.RateLimiterBackend = c.limiter.Backend()
	}
	return metrics
}

func (c *ProcessingCoordinator) localErrorBreakdown() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.localErrs))
	for k, v := range c.localErrs {
		out[k] = v
	}
	return out
}

// ResetStuckLocks clears expired locks, or every lock when force is set.
func (c *ProcessingCoordinator) ResetStuckLocks(ctx context.Context, force bool) (int64, error) {
	var (
		n   int64
		err error
	)
	if force {
		n, err = c.locks.ReleaseAll(ctx)
	} else {
		n, err = c.locks.ReclaimAbandoned(ctx, c.settings.LockTimeoutMinutes)
	}
	if err != nil {
		return 0, err
	}
	log.Info().Int64("reset", n).Bool("force", force).Msg("reset processing locks")
	return n, nil
}

func failureResult(noteID string, err error) *entities.ProcessingResult {
	errType := apperrors.TypeOf(err)
	if errType == "" {
		errType = apperrors.ErrorTypeInternal
		if errors.Is(err, context.DeadlineExceeded) {
			errType = apperrors.ErrorTypeTimeout
		}
	}
	return &entities.ProcessingResult{
		NoteID:    noteID,
		Error:     err.Error(),
		ErrorType: string(errType),
	}
}
