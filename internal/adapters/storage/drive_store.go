package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

// DriveStore downloads audio stored in Google Drive. References take the form gdrive://<fileID>.
type DriveStore struct {
	service  *drive.Service
	maxBytes int64
}

// NewDriveStore creates a Drive store authenticated with a service account key file
func NewDriveStore(ctx context.Context, credentialsFile string, maxBytes int64) (*DriveStore, error) {
	srv, err := drive.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(drive.DriveReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}
	return NewDriveStoreWithService(srv, maxBytes), nil
}

// NewDriveStoreWithService wraps an existing Drive service
func NewDriveStoreWithService(srv *drive.Service, maxBytes int64) *DriveStore {
	return &DriveStore{service: srv, maxBytes: maxBytes}
}

// FetchBytes downloads the file content
func (s *DriveStore) FetchBytes(ctx context.Context, ref string) ([]byte, error) {
	fileID := strings.TrimPrefix(ref, SchemeGDrive+"://")
	if fileID == "" || fileID == ref {
		return nil, apperrors.NewValidationError("malformed drive reference").WithCode(apperrors.CodeInvalidFile)
	}

	resp, err := s.service.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, classifyDriveError(fileID, err)
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, s.maxBytes)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.NewNetworkError("failed to read drive file", err)
	}
	return data, nil
}

func classifyDriveError(fileID string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return apperrors.NewNetworkError("drive download failed", err)
	}
	switch {
	case gerr.Code == http.StatusNotFound:
		return apperrors.NewNotFoundError(fmt.Sprintf("drive file %s not found", fileID))
	case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
		return apperrors.NewUnauthorizedError(fmt.Sprintf("drive denied access to %s", fileID))
	case gerr.Code == http.StatusTooManyRequests:
		return apperrors.NewRateLimitError("drive rate limited the download")
	case gerr.Code >= 500:
		return apperrors.NewServerError(fmt.Sprintf("drive returned %d", gerr.Code))
	default:
		return apperrors.NewExternalError("drive download failed", err)
	}
}
