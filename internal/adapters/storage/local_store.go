package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

// LocalStore reads audio from a directory tree.
type LocalStore struct {
	root     string
	maxBytes int64
}

// NewLocalStore creates a store rooted at root
func NewLocalStore(root string, maxBytes int64) *LocalStore {
	return &LocalStore{root: root, maxBytes: maxBytes}
}

// FetchBytes reads file:// references or paths relative to the root.
func (s *LocalStore) FetchBytes(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("audio %s not found", ref))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to open audio", err)
	}
	defer f.Close()

	data, err := readLimited(f, s.maxBytes)
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperrors.NewInternalError("failed to read audio", err)
	}
	return data, nil
}

func (s *LocalStore) resolve(ref string) (string, error) {
	path := ref
	if strings.HasPrefix(ref, SchemeFile+"://") {
		u, err := url.Parse(ref)
		if err != nil {
			return "", apperrors.NewValidationError("malformed file reference").WithCode(apperrors.CodeInvalidFile)
		}
		path = u.Path
	}

	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}

	root, err := filepath.Abs(s.root)
	if err != nil {
		return "", apperrors.NewInternalError("failed to resolve storage root", err)
	}
	full := filepath.Join(root, path)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", apperrors.NewValidationError("audio reference escapes storage root").WithCode(apperrors.CodeInvalidFile)
	}
	return full, nil
}
