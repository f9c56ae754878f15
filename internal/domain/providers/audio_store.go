package providers

import (
	"context"
	"errors"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
)

// AudioStore fetches recorded audio by reference
type AudioStore interface {
	// FetchBytes returns the full recording behind ref
	FetchBytes(ctx context.Context, ref string) ([]byte, error)
}

// ErrUnsplittable reports a recording whose container cannot be cut into
// independently playable chunks. Callers fall back to a single upload.
var ErrUnsplittable = errors.New("audio container cannot be split without decoding")

// AudioSplitter cuts a recording into playable chunks following the analysis chunk plan
type AudioSplitter interface {
	Split(data []byte, filename string, analysis *entities.AudioAnalysisResult) ([]entities.AudioChunk, error)
}
