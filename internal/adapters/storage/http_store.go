package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

// HTTPStore downloads audio from HTTP(S) URLs.
type HTTPStore struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPStore creates an HTTP-backed store
func NewHTTPStore(timeout time.Duration, maxBytes int64) *HTTPStore {
	return &HTTPStore{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// FetchBytes performs a GET on ref
func (s *HTTPStore) FetchBytes(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, apperrors.NewValidationError("malformed audio URL").WithCode(apperrors.CodeInvalidFile)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.NewNetworkError("audio download failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("audio %s not found", ref))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewRateLimitError("audio host rate limited the download")
	case resp.StatusCode >= 500:
		return nil, apperrors.NewServerError(fmt.Sprintf("audio host returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.NewExternalError(fmt.Sprintf("audio host returned %d", resp.StatusCode), nil)
	}

	if s.maxBytes > 0 && resp.ContentLength > s.maxBytes {
		return nil, apperrors.NewValidationError(fmt.Sprintf("audio exceeds %d bytes", s.maxBytes)).
			WithCode(apperrors.CodeFileTooLarge)
	}

	data, err := readLimited(resp.Body, s.maxBytes)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.NewNetworkError("failed to read audio body", err)
	}
	return data, nil
}
