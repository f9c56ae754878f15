package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/notepipeline/internal/application/services"
	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	"github.com/zatekoja/notepipeline/pkg/circuitbreaker"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

type stubTranscriber struct {
	mu    sync.Mutex
	calls int
	fn    func(filename string) (*entities.TranscriptionResult, error)
}

func (s *stubTranscriber) TranscribeDetailed(_ context.Context, _ []byte, filename string) (*entities.TranscriptionResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.fn(filename)
}

func (s *stubTranscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubAnalyzer struct {
	mu       sync.Mutex
	calls    int
	contexts []string
	fn       func(transcript string) (*entities.AnalysisOutcome, error)
}

func (s *stubAnalyzer) Analyze(_ context.Context, transcript, contextText string, _ time.Time) (*entities.AnalysisOutcome, error) {
	s.mu.Lock()
	s.calls++
	s.contexts = append(s.contexts, contextText)
	s.mu.Unlock()
	return s.fn(transcript)
}

func (s *stubAnalyzer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type staticBackend string

func (b staticBackend) Backend() string { return string(b) }

func okTranscriber(text string) *stubTranscriber {
	return &stubTranscriber{fn: func(string) (*entities.TranscriptionResult, error) {
		return &entities.TranscriptionResult{Text: text, Tier: entities.TranscriptionTierStandard, Chunks: 1}, nil
	}}
}

func okAnalyzer(warnings ...string) *stubAnalyzer {
	return &stubAnalyzer{fn: func(transcript string) (*entities.AnalysisOutcome, error) {
		return &entities.AnalysisOutcome{
			Analysis: &entities.NoteAnalysis{Summary: "summary of " + transcript, Confidence: 0.9, Sentiment: entities.SentimentNeutral},
			Tier:     entities.AnalysisTierStandard,
			Warnings: warnings,
		}, nil
	}}
}

type coordinatorFixture struct {
	repo     *fakeNoteRepo
	errorLog *fakeErrorLog
	events   *fakeEventBus
	breakers *circuitbreaker.Registry
	coord    *services.ProcessingCoordinator
}

func newCoordinatorFixture(transcriber services.Transcriber, analyzer services.NoteAnalyzer, concurrency int, notes ...*entities.Note) *coordinatorFixture {
	f := &coordinatorFixture{
		repo:     newFakeNoteRepo(notes...),
		errorLog: &fakeErrorLog{},
		events:   &fakeEventBus{},
		breakers: circuitbreaker.NewRegistry(),
	}
	f.breakers.Register(circuitbreaker.New(circuitbreaker.Settings{Name: services.ServiceTranscription}))

	store := fakeStore{}
	for _, n := range notes {
		store[n.AudioRef] = []byte("audio for " + n.ID)
	}

	f.coord = services.NewProcessingCoordinator(
		f.repo,
		f.errorLog,
		services.NewLockManager(f.repo),
		store,
		transcriber,
		analyzer,
		f.events,
		f.breakers,
		staticBackend("memory"),
		nil,
		services.CoordinatorSettings{
			LockTimeoutMinutes: 15,
			MaxAttempts:        3,
			NoteConcurrency:    concurrency,
			ContextNotes:       5,
		},
	)
	return f
}

func newNote(id string) *entities.Note {
	return &entities.Note{
		ID:            id,
		UserID:        "user-1",
		AudioRef:      "file://" + id + ".mp3",
		AudioFilename: id + ".mp3",
		RecordedAt:    time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestProcessingCoordinator_ProcessOneSuccess(t *testing.T) {
	f := newCoordinatorFixture(okTranscriber("call the plumber"), okAnalyzer("sentiment missing", "confidence missing"), 1, newNote("n1"))
	f.repo.context = &entities.UserContext{KnownPeople: []string{"Sam"}}

	result := f.coord.ProcessOne(context.Background(), "n1", "user-1", false)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "call the plumber", result.Transcription)
	assert.Equal(t, "summary of call the plumber", result.Analysis.Summary)
	assert.Equal(t, "sentiment missing; confidence missing", result.Warning)

	note := f.repo.get("n1")
	assert.NotNil(t, note.ProcessedAt)
	assert.Nil(t, note.ProcessingLock)
	require.NotNil(t, note.Transcript)
	assert.Equal(t, "call the plumber", *note.Transcript)
	assert.Equal(t, []string{"n1"}, f.repo.transcripts)

	assert.Equal(t, []entities.NoteEventType{entities.NoteEventTypeTranscribed, entities.NoteEventTypeProcessed}, f.events.types())
	assert.Equal(t, 2, f.events.channels[providers.GetUserChannel("user-1")])
}

func TestProcessingCoordinator_PassesUserContextToAnalysis(t *testing.T) {
	analyzer := okAnalyzer()
	f := newCoordinatorFixture(okTranscriber("hello"), analyzer, 1, newNote("n1"))
	f.repo.context = &entities.UserContext{RecentSummaries: []string{"met Sam"}, KnownPeople: []string{"Sam"}}

	require.True(t, f.coord.ProcessOne(context.Background(), "n1", "", false).Success)

	require.Len(t, analyzer.contexts, 1)
	assert.Contains(t, analyzer.contexts[0], "met Sam")
	assert.Contains(t, analyzer.contexts[0], "Known people: Sam")
}

func TestProcessingCoordinator_ReusesCheckpointedTranscript(t *testing.T) {
	note := newNote("n1")
	transcript := "already transcribed"
	note.Transcript = &transcript
	note.AudioRef = "file://missing.mp3"

	transcriber := okTranscriber("unused")
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, note)

	result := f.coord.ProcessOne(context.Background(), "n1", "", false)

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "already transcribed", result.Transcription)
	assert.Zero(t, transcriber.count())
	assert.Empty(t, f.repo.transcripts)
}

func TestProcessingCoordinator_AnalysisFailureKeepsTranscriptCheckpoint(t *testing.T) {
	analyzer := &stubAnalyzer{fn: func(string) (*entities.AnalysisOutcome, error) {
		return nil, apperrors.NewServerError("model overloaded")
	}}
	f := newCoordinatorFixture(okTranscriber("hello there"), analyzer, 1, newNote("n1"))

	result := f.coord.ProcessOne(context.Background(), "n1", "", false)

	assert.False(t, result.Success)
	assert.Equal(t, string(apperrors.ErrorTypeServer), result.ErrorType)

	note := f.repo.get("n1")
	require.NotNil(t, note.Transcript)
	assert.Equal(t, "hello there", *note.Transcript)
	assert.False(t, note.ErrorPermanent)
	assert.Equal(t, 1, note.AttemptCount)
	assert.Equal(t, entities.NoteStateFailedRetryable, note.State(15*time.Minute, 3, time.Now()))

	require.Len(t, f.errorLog.records, 1)
	assert.Equal(t, entities.StageAnalyze, f.errorLog.records[0].Stage)
	assert.Equal(t, string(apperrors.CategoryServer), f.errorLog.records[0].Category)
}

func TestProcessingCoordinator_PermanentFailureIsTerminal(t *testing.T) {
	transcriber := &stubTranscriber{fn: func(string) (*entities.TranscriptionResult, error) {
		return nil, apperrors.NewValidationError("file too large").WithCode(apperrors.CodeFileTooLarge)
	}}
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, newNote("n1"))
	ctx := context.Background()

	result := f.coord.ProcessOne(ctx, "n1", "", false)

	assert.False(t, result.Success)
	assert.Equal(t, string(apperrors.ErrorTypeValidation), result.ErrorType)

	note := f.repo.get("n1")
	assert.True(t, note.ErrorPermanent)
	assert.Nil(t, note.ProcessingLock)
	assert.Equal(t, entities.NoteStateFailedTerminal, note.State(15*time.Minute, 3, time.Now()))

	require.Len(t, f.errorLog.records, 1)
	rec := f.errorLog.records[0]
	assert.Equal(t, entities.StageTranscribe, rec.Stage)
	assert.True(t, rec.Permanent)
	assert.Equal(t, 1, rec.Attempt)
	assert.Contains(t, f.events.types(), entities.NoteEventTypeFailed)

	again := f.coord.ProcessOne(ctx, "n1", "", false)
	assert.True(t, again.Skipped)
	assert.Equal(t, string(apperrors.ErrorTypeValidation), again.ErrorType)
	assert.Equal(t, string(apperrors.CategoryClient), again.ErrorCategory)
	assert.Equal(t, 1, transcriber.count())
}

func TestProcessingCoordinator_ExhaustedAttemptsReportLastCategory(t *testing.T) {
	note := newNote("n1")
	msg := "transcription failed: SERVER: upstream returned 503"
	failedAt := time.Now().Add(-time.Hour)
	note.ErrorMessage = &msg
	note.AttemptCount = 3
	note.LastErrorAt = &failedAt

	transcriber := okTranscriber("unused")
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, note)
	f.errorLog.records = append(f.errorLog.records, &entities.ProcessingErrorRecord{
		NoteID:    "n1",
		Stage:     entities.StageTranscribe,
		Category:  string(apperrors.CategoryServer),
		ErrorType: string(apperrors.ErrorTypeServer),
		Message:   msg,
		Attempt:   3,
	})

	result := f.coord.ProcessOne(context.Background(), "n1", "", false)

	assert.True(t, result.Skipped)
	assert.Equal(t, string(apperrors.ErrorTypeAttemptsExhausted), result.ErrorType)
	assert.Equal(t, string(apperrors.CategoryServer), result.ErrorCategory)
	assert.Equal(t, msg, result.Error)
	assert.Zero(t, transcriber.count())
}

func TestProcessingCoordinator_RateLimitDenialIsNotCharged(t *testing.T) {
	transcriber := &stubTranscriber{fn: func(string) (*entities.TranscriptionResult, error) {
		return nil, fmt.Errorf("transcription: max retry attempts (3) exceeded: %w", apperrors.NewAdmissionDeniedError(services.ServiceTranscription))
	}}
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, newNote("n1"))

	result := f.coord.ProcessOne(context.Background(), "n1", "", false)

	assert.False(t, result.Success)
	assert.True(t, result.Deferred)
	assert.Equal(t, string(apperrors.ErrorTypeRateLimit), result.ErrorType)

	note := f.repo.get("n1")
	assert.Nil(t, note.ProcessingLock)
	assert.Zero(t, note.AttemptCount)
	assert.Nil(t, note.ErrorMessage)
	assert.Equal(t, entities.NoteStatePending, note.State(15*time.Minute, 3, time.Now()))
	assert.Empty(t, f.errorLog.records)
	assert.NotContains(t, f.events.types(), entities.NoteEventTypeFailed)
}

func TestProcessingCoordinator_ProviderRateLimitIsCharged(t *testing.T) {
	transcriber := &stubTranscriber{fn: func(string) (*entities.TranscriptionResult, error) {
		return nil, apperrors.NewRateLimitError("provider answered 429")
	}}
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, newNote("n1"))

	result := f.coord.ProcessOne(context.Background(), "n1", "", false)

	assert.False(t, result.Deferred)
	assert.Equal(t, 1, f.repo.get("n1").AttemptCount)
	require.Len(t, f.errorLog.records, 1)
	assert.Equal(t, string(apperrors.CategoryRateLimit), f.errorLog.records[0].Category)
}

func TestProcessingCoordinator_CancellationIsNotCharged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	transcriber := &stubTranscriber{fn: func(string) (*entities.TranscriptionResult, error) {
		cancel()
		return nil, fmt.Errorf("transcription: retry aborted: %w", ctx.Err())
	}}
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, newNote("n1"))

	result := f.coord.ProcessOne(ctx, "n1", "", false)

	assert.False(t, result.Success)
	assert.True(t, result.Deferred)
	assert.NotEqual(t, string(apperrors.ErrorTypeTimeout), result.ErrorType)

	note := f.repo.get("n1")
	assert.Nil(t, note.ProcessingLock)
	assert.Zero(t, note.AttemptCount)
	assert.Nil(t, note.ErrorMessage)
	assert.Empty(t, f.errorLog.records)
	assert.NotContains(t, f.events.types(), entities.NoteEventTypeFailed)
	assert.Zero(t, f.coord.HealthMetrics(context.Background()).TotalFailed)
}

func TestProcessingCoordinator_LostLeaseDiscardsWork(t *testing.T) {
	t.Run("before the transcript checkpoint", func(t *testing.T) {
		var f *coordinatorFixture
		transcriber := &stubTranscriber{fn: func(string) (*entities.TranscriptionResult, error) {
			f.repo.steal("n1")
			return &entities.TranscriptionResult{Text: "late words"}, nil
		}}
		analyzer := okAnalyzer()
		f = newCoordinatorFixture(transcriber, analyzer, 1, newNote("n1"))

		result := f.coord.ProcessOne(context.Background(), "n1", "", false)

		assert.True(t, result.Deferred)
		assert.Equal(t, string(apperrors.ErrorTypeLockContention), result.ErrorType)
		assert.Zero(t, analyzer.count())

		note := f.repo.get("n1")
		assert.Nil(t, note.Transcript)
		assert.NotNil(t, note.ProcessingLock, "new holder keeps its lock")
		assert.Zero(t, note.AttemptCount)
		assert.Empty(t, f.errorLog.records)
	})

	t.Run("before the final save", func(t *testing.T) {
		var f *coordinatorFixture
		analyzer := &stubAnalyzer{fn: func(transcript string) (*entities.AnalysisOutcome, error) {
			f.repo.steal("n1")
			return &entities.AnalysisOutcome{Analysis: &entities.NoteAnalysis{Summary: transcript}}, nil
		}}
		f = newCoordinatorFixture(okTranscriber("words"), analyzer, 1, newNote("n1"))

		result := f.coord.ProcessOne(context.Background(), "n1", "", false)

		assert.False(t, result.Success)
		assert.True(t, result.Deferred)

		note := f.repo.get("n1")
		assert.Nil(t, note.ProcessedAt)
		assert.Nil(t, note.Analysis)
		assert.NotNil(t, note.ProcessingLock)
		assert.Zero(t, note.AttemptCount)
		assert.NotContains(t, f.events.types(), entities.NoteEventTypeProcessed)
	})
}

func TestProcessingCoordinator_SkipsCompletedNote(t *testing.T) {
	note := newNote("n1")
	done := time.Now()
	transcript := "done"
	note.ProcessedAt = &done
	note.Transcript = &transcript
	note.Analysis = &entities.NoteAnalysis{Summary: "done"}

	transcriber := okTranscriber("again")
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, note)

	result := f.coord.ProcessOne(context.Background(), "n1", "", false)
	assert.True(t, result.Success)
	assert.True(t, result.Skipped)
	assert.Equal(t, "note already processed", result.Warning)
	assert.Zero(t, transcriber.count())

	forced := f.coord.ProcessOne(context.Background(), "n1", "", true)
	require.True(t, forced.Success)
	assert.False(t, forced.Skipped)
	assert.Equal(t, "again", forced.Transcription)
	assert.Equal(t, 1, transcriber.count())
}

func TestProcessingCoordinator_LockContention(t *testing.T) {
	note := newNote("n1")
	held := time.Now()
	note.ProcessingLock = &held

	transcriber := okTranscriber("x")
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, note)

	result := f.coord.ProcessOne(context.Background(), "n1", "", false)

	assert.True(t, result.Skipped)
	assert.False(t, result.Success)
	assert.Equal(t, string(apperrors.ErrorTypeLockContention), result.ErrorType)
	assert.Zero(t, transcriber.count())
	assert.Equal(t, 0, f.repo.get("n1").AttemptCount)
}

func TestProcessingCoordinator_WrongUserIsNotFound(t *testing.T) {
	f := newCoordinatorFixture(okTranscriber("x"), okAnalyzer(), 1, newNote("n1"))

	result := f.coord.ProcessOne(context.Background(), "n1", "someone-else", false)

	assert.False(t, result.Success)
	assert.Equal(t, string(apperrors.ErrorTypeNotFound), result.ErrorType)
}

func TestProcessingCoordinator_LockStoreFailure(t *testing.T) {
	f := newCoordinatorFixture(okTranscriber("x"), okAnalyzer(), 1, newNote("n1"))
	f.repo.acquireErr = errors.New("connection refused")

	result := f.coord.ProcessOne(context.Background(), "n1", "", false)

	assert.False(t, result.Success)
	assert.False(t, result.Skipped)
	assert.Equal(t, string(apperrors.ErrorTypeInternal), result.ErrorType)
}

func TestProcessingCoordinator_ProcessBatch(t *testing.T) {
	f := newCoordinatorFixture(okTranscriber("hi"), okAnalyzer(), 2, newNote("a"), newNote("b"), newNote("c"))

	batch := f.coord.ProcessBatch(context.Background(), 10)

	assert.Equal(t, 3, batch.Processed)
	assert.Zero(t, batch.Failed)
	assert.Empty(t, batch.Errors)
	for _, id := range []string{"a", "b", "c"} {
		assert.NotNil(t, f.repo.get(id).ProcessedAt, id)
	}

	again := f.coord.ProcessBatch(context.Background(), 10)
	assert.Zero(t, again.Processed+again.Failed+again.Skipped)
}

func TestProcessingCoordinator_BatchStopsOnOpenCircuit(t *testing.T) {
	analyzer := &stubAnalyzer{fn: func(string) (*entities.AnalysisOutcome, error) {
		return nil, apperrors.NewCircuitOpenError(services.ServiceAnalysis, errors.New("circuit breaker is open"))
	}}
	f := newCoordinatorFixture(okTranscriber("hi"), analyzer, 1, newNote("a"), newNote("b"), newNote("c"))

	batch := f.coord.ProcessBatch(context.Background(), 10)

	assert.True(t, batch.CircuitOpen)
	assert.Zero(t, batch.Processed)
	assert.Zero(t, batch.Failed)
	assert.Equal(t, 3, batch.Skipped)
	assert.Len(t, batch.Errors, 1)
	assert.Equal(t, 1, analyzer.count())

	for _, id := range []string{"a", "b", "c"} {
		note := f.repo.get(id)
		assert.Nil(t, note.ProcessingLock, id)
		assert.Zero(t, note.AttemptCount, id)
		assert.Nil(t, note.ErrorMessage, id)
	}
	assert.Empty(t, f.errorLog.records)
}

func TestProcessingCoordinator_BatchStopsOnRateLimitDenial(t *testing.T) {
	transcriber := &stubTranscriber{fn: func(string) (*entities.TranscriptionResult, error) {
		return nil, apperrors.NewAdmissionDeniedError(services.ServiceTranscription)
	}}
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, newNote("a"), newNote("b"), newNote("c"))

	batch := f.coord.ProcessBatch(context.Background(), 10)

	assert.False(t, batch.CircuitOpen)
	assert.Zero(t, batch.Failed)
	assert.Equal(t, 3, batch.Skipped)
	assert.Equal(t, 1, transcriber.count())
	for _, id := range []string{"a", "b", "c"} {
		assert.Zero(t, f.repo.get(id).AttemptCount, id)
	}
}

func TestProcessingCoordinator_HealthMetrics(t *testing.T) {
	transcriber := &stubTranscriber{fn: func(filename string) (*entities.TranscriptionResult, error) {
		if filename == "bad.mp3" {
			return nil, apperrors.NewValidationError("invalid file format").WithCode(apperrors.CodeInvalidFile)
		}
		return &entities.TranscriptionResult{Text: "fine"}, nil
	}}
	f := newCoordinatorFixture(transcriber, okAnalyzer(), 1, newNote("good"), newNote("bad"))
	ctx := context.Background()

	empty := f.coord.HealthMetrics(ctx)
	assert.Equal(t, 1.0, empty.SuccessRate)

	require.True(t, f.coord.ProcessOne(ctx, "good", "", false).Success)
	require.False(t, f.coord.ProcessOne(ctx, "bad", "", false).Success)

	health := f.coord.HealthMetrics(ctx)
	assert.Equal(t, 0.5, health.SuccessRate)
	assert.Equal(t, int64(1), health.TotalProcessed)
	assert.Equal(t, int64(1), health.TotalFailed)
	assert.Zero(t, health.CurrentlyProcessing)
	assert.Equal(t, map[string]int64{string(apperrors.CategoryClient): 1}, health.ErrorBreakdown)
	assert.Equal(t, "memory", health.RateLimiterBackend)
	require.Len(t, health.CircuitBreakers, 1)
	assert.Equal(t, services.ServiceTranscription, health.CircuitBreakers[0].Name)
	assert.Equal(t, circuitbreaker.StateClosed, health.CircuitBreakers[0].State)
}

func TestProcessingCoordinator_ResetStuckLocks(t *testing.T) {
	stale := time.Now().Add(-time.Hour)
	fresh := time.Now()
	a, b := newNote("a"), newNote("b")
	a.ProcessingLock = &stale
	b.ProcessingLock = &fresh
	f := newCoordinatorFixture(okTranscriber("x"), okAnalyzer(), 1, a, b)
	ctx := context.Background()

	n, err := f.coord.ResetStuckLocks(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.coord.ResetStuckLocks(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Nil(t, f.repo.get("b").ProcessingLock)
}
