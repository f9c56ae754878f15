package services

import (
	"context"
	"os"
	"time"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
)

// FeatureFlags toggles pipeline behavior from the environment.
type FeatureFlags struct {
	tieredAnalysis bool
	userContext    bool
}

func NewFeatureFlags() *FeatureFlags {
	return &FeatureFlags{
		tieredAnalysis: os.Getenv("FEATURE_TIERED_ANALYSIS") != "false",
		userContext:    os.Getenv("FEATURE_USER_CONTEXT") != "false",
	}
}

func (f *FeatureFlags) TieredAnalysisEnabled() bool {
	return f.tieredAnalysis
}

func (f *FeatureFlags) UserContextEnabled() bool {
	return f.userContext
}

// legacyAnalyzer routes every note through the single-model path.
type legacyAnalyzer struct {
	svc *AnalysisService
}

func (l legacyAnalyzer) Analyze(ctx context.Context, transcript, contextText string, recordedAt time.Time) (*entities.AnalysisOutcome, error) {
	return l.svc.AnalyzeLegacy(ctx, transcript, contextText, recordedAt)
}

// SelectAnalyzer returns the tiered analyzer unless the flag turns it off.
func SelectAnalyzer(svc *AnalysisService, flags *FeatureFlags) NoteAnalyzer {
	if flags != nil && !flags.TieredAnalysisEnabled() {
		return legacyAnalyzer{svc: svc}
	}
	return svc
}
