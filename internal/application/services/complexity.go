package services

import (
	"math"
	"strings"
	"unicode"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/pkg/config"
)

// Weights of the complexity signals. They sum to 1.
const (
	weightLength  = 0.35
	weightDomain  = 0.25
	weightPeople  = 0.20
	weightContext = 0.20

	lengthSaturationWords  = 800
	domainSaturationHits   = 5
	peopleSaturationCount  = 5
	contextSaturationWords = 300
)

// TierBudget is the model configuration chosen for an analysis call.
type TierBudget struct {
	Tier            entities.AnalysisTier
	Model           string
	Temperature     float64
	MaxOutputTokens int
}

// ComplexityScorer scores a transcript and maps the score to a tier budget.
type ComplexityScorer struct {
	cfg    config.ComplexityConfig
	models [3]string
	terms  map[string]struct{}
}

// NewComplexityScorer creates a scorer with per-tier models simple, standard, complex.
func NewComplexityScorer(cfg config.ComplexityConfig, simpleModel, standardModel, complexModel string) *ComplexityScorer {
	terms := make(map[string]struct{}, len(cfg.DomainTerms))
	for _, t := range cfg.DomainTerms {
		terms[strings.ToLower(t)] = struct{}{}
	}
	return &ComplexityScorer{
		cfg:    cfg,
		models: [3]string{simpleModel, standardModel, complexModel},
		terms:  terms,
	}
}

// Score returns a value in [0,1] from transcript length, domain vocabulary,
// distinct people and context richness.
func (c *ComplexityScorer) Score(transcript, contextText string) float64 {
	words := strings.Fields(transcript)

	hits := make(map[string]struct{})
	for _, w := range words {
		w = strings.ToLower(strings.TrimFunc(w, isTrim))
		if _, ok := c.terms[w]; ok {
			hits[w] = struct{}{}
		}
	}

	score := weightLength*saturate(len(words), lengthSaturationWords) +
		weightDomain*saturate(len(hits), domainSaturationHits) +
		weightPeople*saturate(len(distinctNames(words)), peopleSaturationCount) +
		weightContext*saturate(len(strings.Fields(contextText)), contextSaturationWords)

	return math.Round(score*1000) / 1000
}

// Budget maps a score onto a tier.
func (c *ComplexityScorer) Budget(score float64) TierBudget {
	switch {
	case score >= c.cfg.ComplexThreshold:
		return TierBudget{entities.AnalysisTierComplex, c.models[2], c.cfg.ComplexTemperature, c.cfg.ComplexMaxTokens}
	case score >= c.cfg.StandardThreshold:
		return TierBudget{entities.AnalysisTierStandard, c.models[1], c.cfg.StandardTemperature, c.cfg.StandardMaxTokens}
	default:
		return TierBudget{entities.AnalysisTierSimple, c.models[0], c.cfg.SimpleTemperature, c.cfg.SimpleMaxTokens}
	}
}

func saturate(n, at int) float64 {
	if at <= 0 {
		return 0
	}
	return math.Min(1, float64(n)/float64(at))
}

// distinctNames counts capitalized words that do not open a sentence.
func distinctNames(words []string) map[string]struct{} {
	names := make(map[string]struct{})
	sentenceStart := true
	for _, raw := range words {
		w := strings.TrimFunc(raw, isTrim)
		if w != "" && !sentenceStart && w != "I" {
			if r := []rune(w); unicode.IsUpper(r[0]) {
				names[w] = struct{}{}
			}
		}
		sentenceStart = strings.HasSuffix(raw, ".") || strings.HasSuffix(raw, "!") || strings.HasSuffix(raw, "?")
	}
	return names
}

func isTrim(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}
