package providers

import (
	"context"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
)

// AnalysisCache defines the interface for caching analysis results
type AnalysisCache interface {
	// Get retrieves an unexpired entry. The boolean is false on a miss.
	Get(ctx context.Context, key string) (*entities.AnalysisCacheEntry, bool, error)

	// Set stores an entry, evicting the oldest entries when the cache is full
	Set(ctx context.Context, entry *entities.AnalysisCacheEntry) error

	// Delete removes an entry
	Delete(ctx context.Context, key string) error

	// Len returns the number of live entries
	Len(ctx context.Context) (int, error)
}
