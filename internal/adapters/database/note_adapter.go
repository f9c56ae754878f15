package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/repositories"
	"github.com/zatekoja/notepipeline/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

const notesTable = "notes"

var noteColumns = []interface{}{
	"id", "user_id", "audio_ref", "audio_filename", "recorded_at", "transcript", "analysis",
	"processing_lock", "error_message", "error_permanent", "attempt_count", "last_error_at",
	"processed_at", "created_at", "updated_at",
}

// NoteAdapter implements NoteRepository
type NoteAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewNoteAdapter creates a new note adapter
func NewNoteAdapter(client *postgres.Client) repositories.NoteRepository {
	return &NoteAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// GetByID retrieves a note by ID
func (a *NoteAdapter) GetByID(ctx context.Context, id string) (*entities.Note, error) {
	query, args, err := a.db.Select(noteColumns...).
		From(notesTable).
		Where(goqu.Ex{"id": id}).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	note, err := scanNote(a.client.DB().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("note %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get note", err)
	}
	return note, nil
}

// ListEligible returns unprocessed, unlocked notes that still have attempts left
// and whose last failure is older than the retry cooldown.
func (a *NoteAdapter) ListEligible(ctx context.Context, filter repositories.EligibleFilter) ([]*entities.Note, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	conds := []goqu.Expression{
		goqu.Ex{"processed_at": nil},
		goqu.Ex{"error_permanent": false},
		lockFreeCondition(filter.LockTimeout),
	}
	if filter.MaxAttempts > 0 {
		conds = append(conds, goqu.I("attempt_count").Lt(filter.MaxAttempts))
	}
	if filter.RetryCooldown > 0 {
		conds = append(conds, goqu.Or(
			goqu.Ex{"last_error_at": nil},
			goqu.I("last_error_at").Lt(goqu.L("NOW() - ?::interval", intervalLiteral(filter.RetryCooldown))),
		))
	}

	query, args, err := a.db.Select(noteColumns...).
		From(notesTable).
		Where(conds...).
		Order(goqu.I("created_at").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list eligible notes", err)
	}
	defer rows.Close()

	var notes []*entities.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, apperrors.NewInternalError("failed to scan note", err)
		}
		notes = append(notes, note)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate notes", err)
	}

	return notes, nil
}

// AcquireLock takes the lock with a single conditional update. Zero rows
// returned means another worker holds a live lock. The written timestamp is
// returned as the lease token.
func (a *NoteAdapter) AcquireLock(ctx context.Context, id string, timeout time.Duration) (*entities.Lease, error) {
	query, args, err := a.db.Update(notesTable).
		Set(goqu.Record{
			"processing_lock": goqu.L("NOW()"),
			"updated_at":      goqu.L("NOW()"),
		}).
		Where(
			goqu.Ex{"id": id},
			lockFreeCondition(timeout),
		).
		Returning("processing_lock").
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build lock query", err)
	}

	var token time.Time
	err = a.client.DB().QueryRowContext(ctx, query, args...).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to acquire processing lock", err)
	}
	return &entities.Lease{NoteID: id, Token: token}, nil
}

// ReleaseLock clears the processing lock held by lease
func (a *NoteAdapter) ReleaseLock(ctx context.Context, lease *entities.Lease) error {
	query, args, err := a.db.Update(notesTable).
		Set(goqu.Record{
			"processing_lock": nil,
			"updated_at":      goqu.L("NOW()"),
		}).
		Where(leaseCondition(lease)).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build release query", err)
	}

	return a.execFenced(ctx, lease, query, args, "failed to release processing lock")
}

// ReleaseLockWithError clears the lock and records the failure in one statement
func (a *NoteAdapter) ReleaseLockWithError(ctx context.Context, lease *entities.Lease, message string, permanent bool) error {
	query, args, err := a.db.Update(notesTable).
		Set(goqu.Record{
			"processing_lock": nil,
			"error_message":   message,
			"error_permanent": permanent,
			"attempt_count":   goqu.L("attempt_count + 1"),
			"last_error_at":   goqu.L("NOW()"),
			"updated_at":      goqu.L("NOW()"),
		}).
		Where(leaseCondition(lease)).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build release query", err)
	}

	return a.execFenced(ctx, lease, query, args, "failed to record processing error")
}

// ReclaimAbandonedLocks clears locks older than timeout
func (a *NoteAdapter) ReclaimAbandonedLocks(ctx context.Context, timeout time.Duration) (int64, error) {
	query, args, err := a.db.Update(notesTable).
		Set(goqu.Record{
			"processing_lock": nil,
			"updated_at":      goqu.L("NOW()"),
		}).
		Where(
			goqu.I("processing_lock").IsNotNull(),
			goqu.I("processing_lock").Lt(goqu.L("NOW() - ?::interval", intervalLiteral(timeout))),
		).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build reclaim query", err)
	}

	return a.execCount(ctx, query, args, "failed to reclaim abandoned locks")
}

// ReleaseAllLocks clears every lock
func (a *NoteAdapter) ReleaseAllLocks(ctx context.Context) (int64, error) {
	query, args, err := a.db.Update(notesTable).
		Set(goqu.Record{
			"processing_lock": nil,
			"updated_at":      goqu.L("NOW()"),
		}).
		Where(goqu.I("processing_lock").IsNotNull()).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build release query", err)
	}

	return a.execCount(ctx, query, args, "failed to release locks")
}

// SaveTranscript checkpoints the transcript
func (a *NoteAdapter) SaveTranscript(ctx context.Context, lease *entities.Lease, transcript string) error {
	query, args, err := a.db.Update(notesTable).
		Set(goqu.Record{
			"transcript": transcript,
			"updated_at": goqu.L("NOW()"),
		}).
		Where(leaseCondition(lease)).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build transcript query", err)
	}

	return a.execFenced(ctx, lease, query, args, "failed to save transcript")
}

// SaveResult persists the final result and releases the lock
func (a *NoteAdapter) SaveResult(ctx context.Context, lease *entities.Lease, transcript string, analysis *entities.NoteAnalysis) error {
	raw, err := json.Marshal(analysis)
	if err != nil {
		return apperrors.NewInternalError("failed to encode analysis", err)
	}

	query, args, err := a.db.Update(notesTable).
		Set(goqu.Record{
			"transcript":      transcript,
			"analysis":        string(raw),
			"processed_at":    goqu.L("NOW()"),
			"processing_lock": nil,
			"error_message":   nil,
			"error_permanent": false,
			"updated_at":      goqu.L("NOW()"),
		}).
		Where(leaseCondition(lease)).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build result query", err)
	}

	return a.execFenced(ctx, lease, query, args, "failed to save processing result")
}

// CountLocked returns the number of notes under a live lock
func (a *NoteAdapter) CountLocked(ctx context.Context, timeout time.Duration) (int64, error) {
	query, args, err := a.db.Select(goqu.COUNT("*")).
		From(notesTable).
		Where(goqu.I("processing_lock").Gte(goqu.L("NOW() - ?::interval", intervalLiteral(timeout)))).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build count query", err)
	}

	var count int64
	if err := a.client.DB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, apperrors.NewInternalError("failed to count locked notes", err)
	}
	return count, nil
}

// RecentContext collects summaries and people from the user's latest processed notes
func (a *NoteAdapter) RecentContext(ctx context.Context, userID string, excludeNoteID string, limit int) (*entities.UserContext, error) {
	if limit <= 0 {
		return &entities.UserContext{}, nil
	}

	query, args, err := a.db.Select("analysis").
		From(notesTable).
		Where(
			goqu.Ex{"user_id": userID},
			goqu.I("id").Neq(excludeNoteID),
			goqu.I("processed_at").IsNotNull(),
			goqu.I("analysis").IsNotNull(),
		).
		Order(goqu.I("processed_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build context query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load user context", err)
	}
	defer rows.Close()

	uc := &entities.UserContext{}
	seen := make(map[string]bool)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, apperrors.NewInternalError("failed to scan analysis", err)
		}
		var analysis entities.NoteAnalysis
		if err := json.Unmarshal(raw, &analysis); err != nil {
			continue
		}
		if analysis.Summary != "" {
			uc.RecentSummaries = append(uc.RecentSummaries, analysis.Summary)
		}
		for _, p := range analysis.People {
			if p.Name != "" && !seen[p.Name] {
				seen[p.Name] = true
				uc.KnownPeople = append(uc.KnownPeople, p.Name)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate user context", err)
	}

	return uc, nil
}

func (a *NoteAdapter) execCount(ctx context.Context, query string, args []interface{}, msg string) (int64, error) {
	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewInternalError(msg, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewInternalError(msg, err)
	}
	return n, nil
}

// execFenced runs a lease-scoped update. No affected row means the lock was
// reclaimed or taken over since the lease was issued.
func (a *NoteAdapter) execFenced(ctx context.Context, lease *entities.Lease, query string, args []interface{}, msg string) error {
	n, err := a.execCount(ctx, query, args, msg)
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewLeaseLostError(lease.NoteID)
	}
	return nil
}

// leaseCondition matches the note only while it still carries the lease token.
func leaseCondition(lease *entities.Lease) goqu.Expression {
	return goqu.Ex{"id": lease.NoteID, "processing_lock": lease.Token}
}

// lockFreeCondition matches rows with no lock or a lock older than timeout.
func lockFreeCondition(timeout time.Duration) goqu.Expression {
	if timeout <= 0 {
		timeout = entities.DefaultLockTimeout
	}
	return goqu.Or(
		goqu.Ex{"processing_lock": nil},
		goqu.I("processing_lock").Lt(goqu.L("NOW() - ?::interval", intervalLiteral(timeout))),
	)
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(row rowScanner) (*entities.Note, error) {
	note := &entities.Note{}
	var (
		transcript, errorMessage       sql.NullString
		analysis                       []byte
		lock, lastErrorAt, processedAt sql.NullTime
	)

	err := row.Scan(
		&note.ID,
		&note.UserID,
		&note.AudioRef,
		&note.AudioFilename,
		&note.RecordedAt,
		&transcript,
		&analysis,
		&lock,
		&errorMessage,
		&note.ErrorPermanent,
		&note.AttemptCount,
		&lastErrorAt,
		&processedAt,
		&note.CreatedAt,
		&note.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if transcript.Valid {
		note.Transcript = &transcript.String
	}
	if errorMessage.Valid {
		note.ErrorMessage = &errorMessage.String
	}
	if len(analysis) > 0 {
		note.Analysis = &entities.NoteAnalysis{}
		if err := json.Unmarshal(analysis, note.Analysis); err != nil {
			return nil, fmt.Errorf("decode analysis for note %s: %w", note.ID, err)
		}
	}
	note.ProcessingLock = nullTimePtr(lock)
	note.LastErrorAt = nullTimePtr(lastErrorAt)
	note.ProcessedAt = nullTimePtr(processedAt)

	return note, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
