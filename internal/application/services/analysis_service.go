package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
	"github.com/zatekoja/notepipeline/internal/infrastructure/observability"
	"github.com/zatekoja/notepipeline/pkg/circuitbreaker"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
	"github.com/zatekoja/notepipeline/pkg/ratelimit"
	"github.com/zatekoja/notepipeline/pkg/retry"
)

// ServiceAnalysis is the rate limiter and breaker key for language model calls.
const ServiceAnalysis = "analysis"

const (
	defaultConfidence = 0.5
	maxSummaryRunes   = 280
)

// AnalysisSettings configures the analysis orchestrator.
type AnalysisSettings struct {
	LegacyModel         string
	LegacyTemperature   float64
	LegacyMaxTokens     int
	SystemPrompt        string
	RequestsPerMin      int
	ConfidenceThreshold float64
	Retry               retry.Config
}

// AnalysisService extracts tasks, people and a summary from transcripts with
// complexity-based model tiering and a confidence-gated result cache.
type AnalysisService struct {
	provider providers.LanguageModelProvider
	cache    providers.AnalysisCache
	scorer   *ComplexityScorer
	limiter  ratelimit.Limiter
	breaker  *circuitbreaker.Breaker
	metrics  *observability.Metrics
	settings AnalysisSettings
	now      func() time.Time
}

// NewAnalysisService creates a new analysis orchestrator. cache may be nil.
func NewAnalysisService(
	provider providers.LanguageModelProvider,
	cache providers.AnalysisCache,
	scorer *ComplexityScorer,
	limiter ratelimit.Limiter,
	breaker *circuitbreaker.Breaker,
	metrics *observability.Metrics,
	settings AnalysisSettings,
) *AnalysisService {
	if settings.SystemPrompt == "" {
		settings.SystemPrompt = DefaultAnalysisSystemPrompt
	}
	if settings.LegacyMaxTokens <= 0 {
		settings.LegacyMaxTokens = 2000
	}
	if settings.Retry.MaxAttempts == 0 {
		settings.Retry = retry.ExternalCallConfig(apperrors.IsRetryable)
	}
	return &AnalysisService{
		provider: provider,
		cache:    cache,
		scorer:   scorer,
		limiter:  limiter,
		breaker:  breaker,
		metrics:  metrics,
		settings: settings,
		now:      time.Now,
	}
}

// CacheKey fingerprints a transcript and its context.
func CacheKey(transcript, contextText string) string {
	sum := sha256.Sum256([]byte(transcript + "\x00" + contextText))
	return hex.EncodeToString(sum[:])
}

// Analyze runs the tiered path: score, cache lookup, model call, validation, cache store.
func (s *AnalysisService) Analyze(ctx context.Context, transcript, contextText string, recordedAt time.Time) (*entities.AnalysisOutcome, error) {
	if strings.TrimSpace(transcript) == "" {
		return emptyTranscriptOutcome(), nil
	}

	score := s.scorer.Score(transcript, contextText)
	budget := s.scorer.Budget(score)
	key := CacheKey(transcript, contextText)

	logger := log.With().
		Str("service", ServiceAnalysis).
		Str("tier", string(budget.Tier)).
		Float64("complexity", score).
		Logger()

	if s.cache != nil {
		entry, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			logger.Warn().Err(err).Msg("analysis cache lookup failed")
		}
		s.metrics.RecordCacheLookup(ctx, ok, string(budget.Tier))
		if ok && entry.Result != nil {
			logger.Debug().Msg("analysis cache hit")
			result := *entry.Result
			return &entities.AnalysisOutcome{
				Analysis:   &result,
				Tier:       entry.Tier,
				Model:      result.Model,
				Complexity: score,
				FromCache:  true,
			}, nil
		}
	}

	outcome, err := s.run(ctx, budget, transcript, contextText, recordedAt)
	if err != nil {
		return nil, err
	}
	outcome.Complexity = score

	if s.cache != nil && outcome.Analysis.Confidence >= s.settings.ConfidenceThreshold {
		entry := &entities.AnalysisCacheEntry{
			Key:        key,
			Result:     outcome.Analysis,
			Tier:       outcome.Tier,
			Confidence: outcome.Analysis.Confidence,
			InsertedAt: s.now(),
		}
		if err := s.cache.Set(ctx, entry); err != nil {
			logger.Warn().Err(err).Msg("failed to cache analysis")
		}
	}

	logger.Info().
		Str("model", outcome.Model).
		Float64("confidence", outcome.Analysis.Confidence).
		Int("warnings", len(outcome.Warnings)).
		Msg("analysis complete")
	return outcome, nil
}

// AnalyzeLegacy runs a single configured model without tiering or caching.
func (s *AnalysisService) AnalyzeLegacy(ctx context.Context, transcript, contextText string, recordedAt time.Time) (*entities.AnalysisOutcome, error) {
	if strings.TrimSpace(transcript) == "" {
		return emptyTranscriptOutcome(), nil
	}
	budget := TierBudget{
		Tier:            entities.AnalysisTierLegacy,
		Model:           s.settings.LegacyModel,
		Temperature:     s.settings.LegacyTemperature,
		MaxOutputTokens: s.settings.LegacyMaxTokens,
	}
	return s.run(ctx, budget, transcript, contextText, recordedAt)
}

func (s *AnalysisService) run(ctx context.Context, budget TierBudget, transcript, contextText string, recordedAt time.Time) (*entities.AnalysisOutcome, error) {
	req := &providers.CompletionRequest{
		Model:           budget.Model,
		SystemPrompt:    s.settings.SystemPrompt,
		UserPrompt:      buildAnalysisUserPrompt(transcript, contextText, recordedAt),
		Temperature:     budget.Temperature,
		MaxOutputTokens: budget.MaxOutputTokens,
		JSONOutput:      true,
		Schema:          noteAnalysisSchema,
	}

	var resp *providers.CompletionResponse
	err := retry.DoWithLog(ctx, s.settings.Retry, ServiceAnalysis, func() error {
		if !s.limiter.TryAcquire(ctx, ServiceAnalysis, s.settings.RequestsPerMin) {
			s.metrics.RecordRateLimitDenied(ctx, ServiceAnalysis)
			return apperrors.NewAdmissionDeniedError(ServiceAnalysis)
		}
		r, err := circuitbreaker.Execute(ctx, s.breaker, func(ctx context.Context) (*providers.CompletionResponse, error) {
			return s.provider.Complete(ctx, req)
		})
		if apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen) {
			s.metrics.RecordBreakerRejection(ctx, s.breaker.Name())
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(attempt int, err error, next time.Duration) {
		log.Warn().
			Err(err).
			Str("service", ServiceAnalysis).
			Str("model", budget.Model).
			Int("attempt", attempt).
			Dur("next_delay", next).
			Msg("analysis call failed, retrying")
	})
	if err != nil {
		return nil, err
	}

	analysis, warnings, err := ParseAnalysis(resp.Text, transcript)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = budget.Model
	}
	analysis.Tier = budget.Tier
	analysis.Model = model

	return &entities.AnalysisOutcome{
		Analysis: analysis,
		Tier:     budget.Tier,
		Model:    model,
		Warnings: warnings,
	}, nil
}

func emptyTranscriptOutcome() *entities.AnalysisOutcome {
	return &entities.AnalysisOutcome{
		Analysis: &entities.NoteAnalysis{
			Tasks:         []entities.Task{},
			People:        []entities.Person{},
			Relationships: []entities.Relationship{},
			Topics:        []string{},
			KeyPoints:     []string{},
			Sentiment:     entities.SentimentNeutral,
		},
		Warnings: []string{"transcript is empty, analysis skipped"},
	}
}

// StripCodeFences removes a surrounding ```json ... ``` wrapper.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// ParseAnalysis decodes and validates a model answer. Fields that fail shape
// checks are replaced by defaults and reported as warnings. A schema
// validation error is returned only when no JSON object can be recovered.
func ParseAnalysis(text, transcript string) (*entities.NoteAnalysis, []string, error) {
	raw := StripCodeFences(text)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		start, end := strings.IndexByte(raw, '{'), strings.LastIndexByte(raw, '}')
		if start < 0 || end <= start {
			return nil, nil, apperrors.NewSchemaValidationError("analysis response is not a JSON object", err)
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
			return nil, nil, apperrors.NewSchemaValidationError("analysis response is not a JSON object", err)
		}
	}

	v := &analysisValidator{fields: fields}
	a := &entities.NoteAnalysis{
		Summary:       v.summary(transcript),
		Tasks:         v.tasks(),
		People:        v.people(),
		Relationships: v.relationships(),
		Topics:        v.stringList("topics"),
		KeyPoints:     v.stringList("key_points"),
		Sentiment:     v.sentiment(),
		Confidence:    v.confidence(),
	}
	return a, v.warnings, nil
}

type analysisValidator struct {
	fields   map[string]json.RawMessage
	warnings []string
}

func (v *analysisValidator) warn(format string, args ...interface{}) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *analysisValidator) summary(transcript string) string {
	var s string
	if raw, ok := v.fields["summary"]; ok && json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	v.warn("summary missing, derived from transcript")

	s = strings.TrimSpace(transcript)
	if i := strings.IndexAny(s, ".!?"); i > 0 {
		s = s[:i+1]
	}
	if r := []rune(s); len(r) > maxSummaryRunes {
		s = string(r[:maxSummaryRunes]) + "..."
	}
	return s
}

// list decodes an array field into raw elements.
func (v *analysisValidator) list(name string) []json.RawMessage {
	raw, ok := v.fields[name]
	if !ok || string(raw) == "null" {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		v.warn("%s is not an array, ignored", name)
		return nil
	}
	return items
}

func (v *analysisValidator) tasks() []entities.Task {
	out := []entities.Task{}
	for i, item := range v.list("tasks") {
		var t entities.Task
		if err := json.Unmarshal(item, &t); err != nil || strings.TrimSpace(t.Title) == "" {
			v.warn("tasks[%d] dropped: title missing", i)
			continue
		}
		switch t.Priority {
		case entities.PriorityLow, entities.PriorityMedium, entities.PriorityHigh:
		default:
			if t.Priority != "" {
				v.warn("tasks[%d] priority %q replaced with medium", i, t.Priority)
			}
			t.Priority = entities.PriorityMedium
		}
		out = append(out, t)
	}
	return out
}

func (v *analysisValidator) people() []entities.Person {
	out := []entities.Person{}
	for i, item := range v.list("people") {
		var p entities.Person
		if err := json.Unmarshal(item, &p); err != nil || strings.TrimSpace(p.Name) == "" {
			v.warn("people[%d] dropped: name missing", i)
			continue
		}
		out = append(out, p)
	}
	return out
}

func (v *analysisValidator) relationships() []entities.Relationship {
	out := []entities.Relationship{}
	for i, item := range v.list("relationships") {
		var r entities.Relationship
		if err := json.Unmarshal(item, &r); err != nil || r.From == "" || r.To == "" {
			v.warn("relationships[%d] dropped: endpoints missing", i)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (v *analysisValidator) stringList(name string) []string {
	out := []string{}
	for i, item := range v.list(name) {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			v.warn("%s[%d] dropped: not a string", name, i)
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (v *analysisValidator) sentiment() string {
	var s string
	if raw, ok := v.fields["sentiment"]; ok && json.Unmarshal(raw, &s) == nil {
		switch strings.ToLower(s) {
		case entities.SentimentPositive, entities.SentimentNeutral, entities.SentimentNegative, entities.SentimentMixed:
			return strings.ToLower(s)
		}
		v.warn("sentiment %q replaced with neutral", s)
		return entities.SentimentNeutral
	}
	v.warn("sentiment missing, defaulted to neutral")
	return entities.SentimentNeutral
}

func (v *analysisValidator) confidence() float64 {
	var c float64
	raw, ok := v.fields["confidence"]
	if !ok || json.Unmarshal(raw, &c) != nil || math.IsNaN(c) {
		v.warn("confidence missing, defaulted to %.1f", defaultConfidence)
		return defaultConfidence
	}
	if c < 0 || c > 1 {
		v.warn("confidence %.2f clamped to [0,1]", c)
		c = math.Max(0, math.Min(1, c))
	}
	return c
}
