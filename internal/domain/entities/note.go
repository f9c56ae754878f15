package entities

import (
	"time"
)

// NoteState is the processing state of a note, derived from its persisted columns.
type NoteState string

const (
	NoteStatePending         NoteState = "pending"
	NoteStateProcessing      NoteState = "processing"
	NoteStateCompleted       NoteState = "completed"
	NoteStateFailedRetryable NoteState = "failed_retryable"
	NoteStateFailedTerminal  NoteState = "failed_terminal"
)

// DefaultLockTimeout is how long a processing lock is honored before it counts as abandoned.
const DefaultLockTimeout = 15 * time.Minute

// Lease is a held processing lock. Token is the processing_lock value written
// when the lock was taken; writes made under the lease match on it.
type Lease struct {
	NoteID string
	Token  time.Time
}

// Note represents a user-submitted audio note
type Note struct {
	ID             string        `json:"id" db:"id"`
	UserID         string        `json:"user_id" db:"user_id"`
	AudioRef       string        `json:"audio_ref" db:"audio_ref"`
	AudioFilename  string        `json:"audio_filename,omitempty" db:"audio_filename"`
	RecordedAt     time.Time     `json:"recorded_at" db:"recorded_at"`
	Transcript     *string       `json:"transcript,omitempty" db:"transcript"`
	Analysis       *NoteAnalysis `json:"analysis,omitempty" db:"analysis"`
	ProcessingLock *time.Time    `json:"processing_lock,omitempty" db:"processing_lock"`
	ErrorMessage   *string       `json:"error_message,omitempty" db:"error_message"`
	ErrorPermanent bool          `json:"error_permanent" db:"error_permanent"`
	AttemptCount   int           `json:"attempt_count" db:"attempt_count"`
	LastErrorAt    *time.Time    `json:"last_error_at,omitempty" db:"last_error_at"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// State derives the note's state. Completion wins over everything, a live lock
// wins over errors, and an error is terminal once it is marked permanent or the
// attempt budget is spent.
func (n *Note) State(lockTimeout time.Duration, maxAttempts int, now time.Time) NoteState {
	if n.ProcessedAt != nil {
		return NoteStateCompleted
	}
	if n.IsLocked(lockTimeout, now) {
		return NoteStateProcessing
	}
	if n.ErrorMessage != nil {
		if n.ErrorPermanent || (maxAttempts > 0 && n.AttemptCount >= maxAttempts) {
			return NoteStateFailedTerminal
		}
		return NoteStateFailedRetryable
	}
	return NoteStatePending
}

// IsLocked reports whether the note holds a lock younger than lockTimeout.
func (n *Note) IsLocked(lockTimeout time.Duration, now time.Time) bool {
	if n.ProcessingLock == nil {
		return false
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return now.Sub(*n.ProcessingLock) < lockTimeout
}

// HasTranscript reports whether a non-empty transcript has been checkpointed.
func (n *Note) HasTranscript() bool {
	return n.Transcript != nil && *n.Transcript != ""
}

// Filename returns a name suitable for format detection and upload.
func (n *Note) Filename() string {
	if n.AudioFilename != "" {
		return n.AudioFilename
	}
	return n.ID
}
