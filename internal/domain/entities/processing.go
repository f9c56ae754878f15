package entities

import (
	"time"
)

// ProcessingJob is the in-memory unit of work for one note.
type ProcessingJob struct {
	NoteID       string
	UserID       string
	AudioRef     string
	Filename     string
	Priority     int
	AttemptCount int
	RecordedAt   time.Time
	Force        bool
}

// NewProcessingJob builds a job from a note row.
func NewProcessingJob(note *Note, force bool) *ProcessingJob {
	return &ProcessingJob{
		NoteID:       note.ID,
		UserID:       note.UserID,
		AudioRef:     note.AudioRef,
		Filename:     note.Filename(),
		AttemptCount: note.AttemptCount,
		RecordedAt:   note.RecordedAt,
		Force:        force,
	}
}

// ProcessingResult is the outcome of processing one note. Deferred marks a
// failure that released the note without charging it an attempt.
type ProcessingResult struct {
	NoteID        string        `json:"note_id"`
	Success       bool          `json:"success"`
	Skipped       bool          `json:"skipped,omitempty"`
	Error         string        `json:"error,omitempty"`
	ErrorType     string        `json:"error_type,omitempty"`
	ErrorCategory string        `json:"error_category,omitempty"`
	Deferred      bool          `json:"deferred,omitempty"`
	Warning       string        `json:"warning,omitempty"`
	Transcription string        `json:"transcription,omitempty"`
	Analysis      *NoteAnalysis `json:"analysis,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	Processed   int      `json:"processed"`
	Failed      int      `json:"failed"`
	Skipped     int      `json:"skipped"`
	Errors      []string `json:"errors"`
	CircuitOpen bool     `json:"circuit_open,omitempty"`
}

// BreakerHealth is the health view of one circuit breaker.
type BreakerHealth struct {
	Name                string           `json:"name"`
	State               string           `json:"state"`
	ConsecutiveFailures uint32           `json:"consecutive_failures"`
	TotalFailures       uint64           `json:"total_failures"`
	LastFailureAt       *time.Time       `json:"last_failure_at,omitempty"`
	Categories          map[string]int64 `json:"categories,omitempty"`
}

// HealthMetrics is the pipeline health report.
type HealthMetrics struct {
	CircuitBreakers     []BreakerHealth  `json:"circuit_breakers"`
	SuccessRate         float64          `json:"success_rate"`
	AverageLatency      time.Duration    `json:"average_latency"`
	CurrentlyProcessing int64            `json:"currently_processing"`
	ErrorBreakdown      map[string]int64 `json:"error_breakdown"`
	RateLimiterBackend  string           `json:"rate_limiter_backend"`
	TotalProcessed      int64            `json:"total_processed"`
	TotalFailed         int64            `json:"total_failed"`
}

// ProcessingErrorRecord is one row of the append-only processing error log.
type ProcessingErrorRecord struct {
	ID         string    `json:"id" db:"id"`
	NoteID     string    `json:"note_id" db:"note_id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Stage      string    `json:"stage" db:"stage"`
	Category   string    `json:"category" db:"category"`
	ErrorType  string    `json:"error_type" db:"error_type"`
	Message    string    `json:"message" db:"message"`
	Permanent  bool      `json:"permanent" db:"permanent"`
	Attempt    int       `json:"attempt" db:"attempt"`
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}

// Pipeline stages recorded with errors.
const (
	StageFetch      = "fetch"
	StageTranscribe = "transcribe"
	StageAnalyze    = "analyze"
	StagePersist    = "persist"
)

// UserContext is prior knowledge about a user passed to analysis.
type UserContext struct {
	RecentSummaries []string
	KnownPeople     []string
}

// IsEmpty reports whether there is no context to send.
func (c *UserContext) IsEmpty() bool {
	return c == nil || (len(c.RecentSummaries) == 0 && len(c.KnownPeople) == 0)
}
