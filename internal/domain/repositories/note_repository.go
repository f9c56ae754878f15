package repositories

import (
	"context"
	"time"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
)

// NoteRepository defines the interface for note persistence and the processing lock.
// Writes taking a lease only apply while processing_lock still equals the
// lease token; otherwise they fail with a lease_lost lock contention error.
type NoteRepository interface {
	// GetByID retrieves a note by ID
	GetByID(ctx context.Context, id string) (*entities.Note, error)

	// ListEligible returns notes that may be processed now, oldest first
	ListEligible(ctx context.Context, filter EligibleFilter) ([]*entities.Note, error)

	// AcquireLock atomically takes the note's lock if it is free or expired.
	// A nil lease with a nil error means another worker holds a live lock.
	AcquireLock(ctx context.Context, id string, timeout time.Duration) (*entities.Lease, error)

	// ReleaseLock clears the note's lock if the lease still holds it
	ReleaseLock(ctx context.Context, lease *entities.Lease) error

	// ReleaseLockWithError clears the lock and records a failed attempt
	ReleaseLockWithError(ctx context.Context, lease *entities.Lease, message string, permanent bool) error

	// ReclaimAbandonedLocks clears every lock older than timeout
	ReclaimAbandonedLocks(ctx context.Context, timeout time.Duration) (int64, error)

	// ReleaseAllLocks clears every lock regardless of age
	ReleaseAllLocks(ctx context.Context) (int64, error)

	// SaveTranscript checkpoints the transcript before analysis
	SaveTranscript(ctx context.Context, lease *entities.Lease, transcript string) error

	// SaveResult persists the final transcript and analysis, marks the note
	// processed and clears lock and error
	SaveResult(ctx context.Context, lease *entities.Lease, transcript string, analysis *entities.NoteAnalysis) error

	// CountLocked returns the number of notes holding a live lock
	CountLocked(ctx context.Context, timeout time.Duration) (int64, error)

	// RecentContext returns prior summaries and people for a user
	RecentContext(ctx context.Context, userID string, excludeNoteID string, limit int) (*entities.UserContext, error)
}

// EligibleFilter defines filters for selecting notes to process
type EligibleFilter struct {
	Limit         int
	MaxAttempts   int
	LockTimeout   time.Duration
	RetryCooldown time.Duration
}
