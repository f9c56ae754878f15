package repositories

import (
	"context"
	"time"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
)

// ProcessingErrorRepository defines the append-only processing error log
type ProcessingErrorRepository interface {
	// Record appends an error row
	Record(ctx context.Context, record *entities.ProcessingErrorRecord) error

	// CountByCategory returns error counts per category since the given time
	CountByCategory(ctx context.Context, since time.Time) (map[string]int64, error)

	// ListByNote returns the most recent errors for a note
	ListByNote(ctx context.Context, noteID string, limit int) ([]*entities.ProcessingErrorRecord, error)
}
