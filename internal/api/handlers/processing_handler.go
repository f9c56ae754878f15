package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

const (
	defaultBatchSize = 10
	maxBatchSize     = 100
)

// ProcessingService defines the pipeline operations exposed over HTTP.
type ProcessingService interface {
	ProcessOne(ctx context.Context, noteID, userID string, force bool) *entities.ProcessingResult
	ProcessBatch(ctx context.Context, batchSize int) *entities.BatchResult
	HealthMetrics(ctx context.Context) *entities.HealthMetrics
	ResetStuckLocks(ctx context.Context, force bool) (int64, error)
}

// ProcessingHandler handles note processing endpoints.
type ProcessingHandler struct {
	service ProcessingService
}

// NewProcessingHandler creates a new processing handler.
func NewProcessingHandler(service ProcessingService) *ProcessingHandler {
	return &ProcessingHandler{service: service}
}

type batchRequest struct {
	BatchSize int `json:"batch_size"`
}

// ProcessNote handles POST /api/notes/{id}/process?user_id=&force=
func (h *ProcessingHandler) ProcessNote(w http.ResponseWriter, r *http.Request) {
	noteID := r.PathValue("id")
	if noteID == "" {
		respondWithError(w, http.StatusBadRequest, "note ID is required")
		return
	}

	query := r.URL.Query()
	force, err := parseBool(query.Get("force"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid force parameter")
		return
	}

	result := h.service.ProcessOne(r.Context(), noteID, query.Get("user_id"), force)
	respondWithJSON(w, statusForResult(result), result)
}

// ProcessBatch handles POST /api/processing/batch
func (h *ProcessingHandler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	payload := batchRequest{BatchSize: defaultBatchSize}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid request payload")
			return
		}
	}
	if payload.BatchSize <= 0 || payload.BatchSize > maxBatchSize {
		respondWithError(w, http.StatusBadRequest, "batch_size must be between 1 and 100")
		return
	}

	respondWithJSON(w, http.StatusOK, h.service.ProcessBatch(r.Context(), payload.BatchSize))
}

// Health handles GET /api/processing/health
func (h *ProcessingHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.service.HealthMetrics(r.Context()))
}

// ResetLocks handles POST /api/processing/locks/reset?force=
func (h *ProcessingHandler) ResetLocks(w http.ResponseWriter, r *http.Request) {
	force, err := parseBool(r.URL.Query().Get("force"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid force parameter")
		return
	}

	n, err := h.service.ResetStuckLocks(r.Context(), force)
	if err != nil {
		log.Error().Err(err).Bool("force", force).Msg("failed to reset processing locks")
		respondWithError(w, http.StatusInternalServerError, "failed to reset locks")
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"reset": n,
		"force": force,
	})
}

func parseBool(v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

// statusForResult maps a processing result onto an HTTP status. Skips are not errors.
func statusForResult(result *entities.ProcessingResult) int {
	if result.Success || result.Skipped {
		return http.StatusOK
	}
	return statusForErrorType(apperrors.ErrorType(result.ErrorType))
}

func statusForErrorType(t apperrors.ErrorType) int {
	switch t {
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeValidation, apperrors.ErrorTypeSchemaValidation:
		return http.StatusUnprocessableEntity
	case apperrors.ErrorTypeConflict, apperrors.ErrorTypeLockContention, apperrors.ErrorTypeAttemptsExhausted:
		return http.StatusConflict
	case apperrors.ErrorTypeRateLimit, apperrors.ErrorTypeQuota:
		return http.StatusTooManyRequests
	case apperrors.ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	case apperrors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrorTypeUnauthorized, apperrors.ErrorTypeNetwork, apperrors.ErrorTypeServer, apperrors.ErrorTypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
