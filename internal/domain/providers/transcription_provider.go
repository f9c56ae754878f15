package providers

import (
	"context"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
)

// TranscriptionProvider turns audio bytes into text
type TranscriptionProvider interface {
	// Transcribe sends one recording or chunk to the speech-to-text service
	Transcribe(ctx context.Context, req *entities.TranscriptionRequest) (*entities.TranscriptionResult, error)
}
