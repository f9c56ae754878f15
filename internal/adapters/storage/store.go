// Package storage fetches recorded audio by reference from local disk, HTTP or Google Drive.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/zatekoja/notepipeline/internal/domain/providers"
	apperrors "github.com/zatekoja/notepipeline/pkg/errors"
)

// Reference schemes understood by MultiStore.
const (
	SchemeFile   = "file"
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeGDrive = "gdrive"
)

// MultiStore routes a reference to the store registered for its scheme.
// References without a scheme go to the file store.
type MultiStore struct {
	stores map[string]providers.AudioStore
}

// NewMultiStore creates an empty router
func NewMultiStore() *MultiStore {
	return &MultiStore{stores: make(map[string]providers.AudioStore)}
}

// Register binds store to one or more schemes
func (m *MultiStore) Register(store providers.AudioStore, schemes ...string) *MultiStore {
	for _, s := range schemes {
		m.stores[strings.ToLower(s)] = store
	}
	return m
}

// FetchBytes dispatches on the reference scheme
func (m *MultiStore) FetchBytes(ctx context.Context, ref string) ([]byte, error) {
	scheme := SchemeFile
	if u, err := url.Parse(ref); err == nil && len(u.Scheme) > 1 {
		scheme = strings.ToLower(u.Scheme)
	}

	store, ok := m.stores[scheme]
	if !ok {
		return nil, apperrors.NewValidationError(fmt.Sprintf("no audio store for scheme %q", scheme)).
			WithCode(apperrors.CodeInvalidFile)
	}
	return store.FetchBytes(ctx, ref)
}

// readLimited reads r fully, failing once more than limit bytes arrive.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, apperrors.NewValidationError(fmt.Sprintf("audio exceeds %d bytes", limit)).
			WithCode(apperrors.CodeFileTooLarge)
	}
	return data, nil
}
