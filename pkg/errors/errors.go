package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
)

// ErrorType represents different types of errors in the system
type ErrorType string

const (
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates malformed or oversized input
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConflict indicates a conflict with existing data
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeUnauthorized indicates a credential failure on an external call
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"

	// ErrorTypeInternal indicates an internal server error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeExternal indicates an unclassified error from an external service
	ErrorTypeExternal ErrorType = "EXTERNAL"

	// ErrorTypeRateLimit indicates admission was denied locally or the provider answered 429
	ErrorTypeRateLimit ErrorType = "RATE_LIMIT"

	// ErrorTypeQuota indicates the external account ran out of quota
	ErrorTypeQuota ErrorType = "QUOTA"

	// ErrorTypeTimeout indicates a hard call timeout
	ErrorTypeTimeout ErrorType = "TIMEOUT"

	// ErrorTypeNetwork indicates a transport failure
	ErrorTypeNetwork ErrorType = "NETWORK"

	// ErrorTypeServer indicates a 5xx answer from an external service
	ErrorTypeServer ErrorType = "SERVER"

	// ErrorTypeSchemaValidation indicates a structured result failed shape checks
	ErrorTypeSchemaValidation ErrorType = "SCHEMA_VALIDATION"

	// ErrorTypeLockContention indicates another worker holds the note
	ErrorTypeLockContention ErrorType = "LOCK_CONTENTION"

	// ErrorTypeCircuitOpen indicates a circuit breaker rejected the call
	ErrorTypeCircuitOpen ErrorType = "CIRCUIT_OPEN"

	// ErrorTypeAttemptsExhausted indicates a note spent its attempt budget on transient failures
	ErrorTypeAttemptsExhausted ErrorType = "ATTEMPTS_EXHAUSTED"
)

// Codes for provider rejections that must never be retried.
const (
	CodeInvalidFile           = "invalid_file"
	CodeFileTooLarge          = "file_too_large"
	CodeContextLengthExceeded = "context_length_exceeded"
)

// Codes for outcomes that release a note without charging it an attempt.
const (
	// CodeAdmissionDenied marks a rate limit hit on the local limiter before
	// any provider call was made.
	CodeAdmissionDenied = "admission_denied"
	// CodeLeaseLost marks a write rejected because the processing lock is no
	// longer the one this worker acquired.
	CodeLeaseLost = "lease_lost"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	prefix := string(e.Type)
	if e.Code != "" {
		prefix += "(" + e.Code + ")"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithCode attaches a machine-readable code to the error.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Message: message,
	}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeUnauthorized,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewExternalError creates a new external service error
func NewExternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeExternal,
		Message: message,
		Err:     err,
	}
}

// NewRateLimitError creates a new rate limit error
func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeRateLimit,
		Message: message,
	}
}

// NewAdmissionDeniedError reports that the local limiter refused a call to service.
func NewAdmissionDeniedError(service string) *AppError {
	return &AppError{
		Type:    ErrorTypeRateLimit,
		Code:    CodeAdmissionDenied,
		Message: fmt.Sprintf("%s admission denied", service),
	}
}

// NewQuotaError creates a new quota error
func NewQuotaError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeQuota,
		Message: message,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeTimeout,
		Message: message,
		Err:     err,
	}
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeNetwork,
		Message: message,
		Err:     err,
	}
}

// NewServerError creates a new upstream server error
func NewServerError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeServer,
		Message: message,
	}
}

// NewSchemaValidationError creates a new schema validation error
func NewSchemaValidationError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeSchemaValidation,
		Message: message,
		Err:     err,
	}
}

// NewLockContentionError creates a new lock contention error
func NewLockContentionError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeLockContention,
		Message: message,
	}
}

// NewLeaseLostError reports that noteID's processing lock changed hands.
func NewLeaseLostError(noteID string) *AppError {
	return &AppError{
		Type:    ErrorTypeLockContention,
		Code:    CodeLeaseLost,
		Message: fmt.Sprintf("processing lease on note %s was lost", noteID),
	}
}

// NewCircuitOpenError creates a new circuit open error
func NewCircuitOpenError(service string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeCircuitOpen,
		Message: fmt.Sprintf("%s service unavailable", service),
		Err:     err,
	}
}

// TypeOf returns the ErrorType of the first AppError in the chain, or "" if there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// CodeOf returns the code of the first AppError in the chain.
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsType reports whether err carries the given ErrorType.
func IsType(err error, t ErrorType) bool {
	return err != nil && TypeOf(err) == t
}

// IsAdmissionDenied reports whether err came from the local limiter rather
// than the provider.
func IsAdmissionDenied(err error) bool {
	return err != nil && CodeOf(err) == CodeAdmissionDenied
}

// IsLeaseLost reports whether err is a fenced write that lost its lease.
func IsLeaseLost(err error) bool {
	return err != nil && CodeOf(err) == CodeLeaseLost
}

// IsPermanent reports whether err must fail a note without further retries.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeInvalidFile, CodeFileTooLarge, CodeContextLengthExceeded:
		return true
	}
	switch TypeOf(err) {
	case ErrorTypeValidation, ErrorTypeNotFound:
		return true
	}
	return false
}

// IsRetryable reports whether the retry wrapper may attempt err again.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	switch TypeOf(err) {
	case ErrorTypeUnauthorized, ErrorTypeQuota, ErrorTypeCircuitOpen, ErrorTypeLockContention:
		return false
	}
	return true
}

// Category is the coarse error class tracked by circuit breakers.
type Category string

const (
	CategoryRateLimit Category = "rate_limit"
	CategoryTimeout   Category = "timeout"
	CategoryNetwork   Category = "network"
	CategoryAuth      Category = "auth"
	CategoryQuota     Category = "quota"
	CategoryServer    Category = "server"
	CategoryClient    Category = "client"
	CategoryUnknown   Category = "unknown"
)

// Categorize maps an error onto a Category for diagnostics.
func Categorize(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	switch TypeOf(err) {
	case ErrorTypeRateLimit:
		return CategoryRateLimit
	case ErrorTypeTimeout:
		return CategoryTimeout
	case ErrorTypeNetwork:
		return CategoryNetwork
	case ErrorTypeUnauthorized:
		return CategoryAuth
	case ErrorTypeQuota:
		return CategoryQuota
	case ErrorTypeServer:
		return CategoryServer
	case ErrorTypeValidation, ErrorTypeSchemaValidation, ErrorTypeNotFound:
		return CategoryClient
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "quota"):
		return CategoryQuota
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return CategoryAuth
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "eof"):
		return CategoryNetwork
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return CategoryServer
	}
	return CategoryUnknown
}
