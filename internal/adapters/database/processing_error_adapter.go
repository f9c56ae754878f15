package database

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/repositories"
	"github.com/zatekoja/notepipeline/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

const processingErrorsTable = "note_processing_errors"

// ProcessingErrorAdapter implements ProcessingErrorRepository
type ProcessingErrorAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewProcessingErrorAdapter creates a new processing error adapter
func NewProcessingErrorAdapter(client *postgres.Client) repositories.ProcessingErrorRepository {
	return &ProcessingErrorAdapter{
		client: client,
		db:     goqu.New("postgres", client.DB()),
	}
}

// Record appends an error row
func (a *ProcessingErrorAdapter) Record(ctx context.Context, record *entities.ProcessingErrorRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}

	query, args, err := a.db.Insert(processingErrorsTable).Rows(goqu.Record{
		"id":          record.ID,
		"note_id":     record.NoteID,
		"user_id":     record.UserID,
		"stage":       record.Stage,
		"category":    record.Category,
		"error_type":  record.ErrorType,
		"message":     record.Message,
		"permanent":   record.Permanent,
		"attempt":     record.Attempt,
		"occurred_at": record.OccurredAt,
	}).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build insert query", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to record processing error", err)
	}
	return nil
}

// CountByCategory returns error counts grouped by category
func (a *ProcessingErrorAdapter) CountByCategory(ctx context.Context, since time.Time) (map[string]int64, error) {
	query, args, err := a.db.Select("category", goqu.COUNT("*")).
		From(processingErrorsTable).
		Where(goqu.I("occurred_at").Gte(since)).
		GroupBy("category").
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to count processing errors", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, apperrors.NewInternalError("failed to scan error count", err)
		}
		counts[category] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate error counts", err)
	}
	return counts, nil
}

// ListByNote returns the latest errors for a note
func (a *ProcessingErrorAdapter) ListByNote(ctx context.Context, noteID string, limit int) ([]*entities.ProcessingErrorRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query, args, err := a.db.Select(
		"id", "note_id", "user_id", "stage", "category", "error_type",
		"message", "permanent", "attempt", "occurred_at",
	).From(processingErrorsTable).
		Where(goqu.Ex{"note_id": noteID}).
		Order(goqu.I("occurred_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to list processing errors", err)
	}
	defer rows.Close()

	var records []*entities.ProcessingErrorRecord
	for rows.Next() {
		r := &entities.ProcessingErrorRecord{}
		if err := rows.Scan(
			&r.ID, &r.NoteID, &r.UserID, &r.Stage, &r.Category, &r.ErrorType,
			&r.Message, &r.Permanent, &r.Attempt, &r.OccurredAt,
		); err != nil {
			return nil, apperrors.NewInternalError("failed to scan processing error", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate processing errors", err)
	}
	return records, nil
}
