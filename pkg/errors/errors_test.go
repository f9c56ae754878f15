package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPermanent_NonRetryableCodes(t *testing.T) {
	tooLarge := NewValidationError("audio exceeds provider limit").WithCode(CodeFileTooLarge)
	wrapped := fmt.Errorf("transcribe chunk 2: %w", tooLarge)

	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, CodeFileTooLarge, CodeOf(wrapped))
}

func TestIsRetryable_TransientTypes(t *testing.T) {
	assert.True(t, IsRetryable(NewRateLimitError("429")))
	assert.True(t, IsRetryable(NewServerError("502")))
	assert.True(t, IsRetryable(NewNetworkError("reset", errors.New("connection reset"))))
	assert.True(t, IsRetryable(errors.New("something odd")))

	assert.False(t, IsRetryable(NewUnauthorizedError("bad key")))
	assert.False(t, IsRetryable(NewQuotaError("insufficient_quota")))
	assert.False(t, IsRetryable(NewCircuitOpenError("analysis", nil)))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"rate limit type", NewRateLimitError("slow down"), CategoryRateLimit},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), CategoryTimeout},
		{"auth", NewUnauthorizedError("401"), CategoryAuth},
		{"quota", NewQuotaError("quota"), CategoryQuota},
		{"server", NewServerError("503"), CategoryServer},
		{"client", NewValidationError("bad"), CategoryClient},
		{"message heuristic", errors.New("dial tcp: connection refused"), CategoryNetwork},
		{"unknown", errors.New("boom"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestAppError_ErrorIncludesCode(t *testing.T) {
	err := NewValidationError("unsupported container").WithCode(CodeInvalidFile)
	assert.Equal(t, "VALIDATION(invalid_file): unsupported container", err.Error())
}

func TestAdmissionDenied_IsRetriedRateLimit(t *testing.T) {
	err := fmt.Errorf("chunk 1: %w", NewAdmissionDeniedError("transcription"))

	assert.True(t, IsAdmissionDenied(err))
	assert.True(t, IsType(err, ErrorTypeRateLimit))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsAdmissionDenied(NewRateLimitError("429 from provider")))
}

func TestLeaseLost_IsNotRetried(t *testing.T) {
	err := fmt.Errorf("save result: %w", NewLeaseLostError("n1"))

	assert.True(t, IsLeaseLost(err))
	assert.True(t, IsType(err, ErrorTypeLockContention))
	assert.False(t, IsRetryable(err))
	assert.False(t, IsPermanent(err))
}
