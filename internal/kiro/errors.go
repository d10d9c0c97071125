// Package kiro implements the upstream Kiro protocol: request building, the
// call engine with retry and failover, event-stream consumption, usage
// limits, and the web portal client.
package kiro

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes
const (
	CodeUpstream         = "UPSTREAM_ERROR"
	CodeQuotaExhausted   = "QUOTA_EXHAUSTED"
	CodeModelUnavailable = "MODEL_UNAVAILABLE"
	CodeEmptyResponse    = "EMPTY_RESPONSE"
	CodeNoCredentials    = "NO_CREDENTIALS"
	CodeBodyTooLarge     = "BODY_TOO_LARGE"
	CodeMaxRetries       = "MAX_RETRIES"
	CodeUnsupportedModel = "UNSUPPORTED_MODEL"
)

// BaseError is the base error for upstream and pool failures
type BaseError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (e *BaseError) Error() string {
	return e.Message
}

// UpstreamError carries the upstream HTTP status and raw body
type UpstreamError struct {
	*BaseError
	StatusCode int    `json:"statusCode"`
	Body       string `json:"-"`
}

// NewUpstreamError creates an UpstreamError from a response
func NewUpstreamError(statusCode int, body string) *UpstreamError {
	msg := fmt.Sprintf("upstream returned %d", statusCode)
	if body != "" {
		msg = fmt.Sprintf("upstream returned %d: %s", statusCode, truncateForError(body))
	}
	return &UpstreamError{
		BaseError: &BaseError{
			Message:   msg,
			Code:      CodeUpstream,
			Retryable: statusCode == 408 || statusCode == 429 || statusCode >= 500,
		},
		StatusCode: statusCode,
		Body:       body,
	}
}

// QuotaExhaustedError means the credential's monthly quota is used up
type QuotaExhaustedError struct {
	*BaseError
	CredentialID uint64 `json:"credentialId"`
}

// NewQuotaExhaustedError creates a QuotaExhaustedError
func NewQuotaExhaustedError(credentialID uint64) *QuotaExhaustedError {
	return &QuotaExhaustedError{
		BaseError: &BaseError{
			Message:   fmt.Sprintf("credential %d monthly quota exhausted", credentialID),
			Code:      CodeQuotaExhausted,
			Retryable: true, // another credential may still serve
		},
		CredentialID: credentialID,
	}
}

// ModelUnavailableError means the upstream model is temporarily unavailable
type ModelUnavailableError struct {
	*BaseError
	RetryAfter time.Duration `json:"retryAfterMs"`
}

// NewModelUnavailableError creates a ModelUnavailableError
func NewModelUnavailableError(retryAfter time.Duration) *ModelUnavailableError {
	return &ModelUnavailableError{
		BaseError: &BaseError{
			Message:   "model is temporarily unavailable upstream",
			Code:      CodeModelUnavailable,
			Retryable: true,
		},
		RetryAfter: retryAfter,
	}
}

// EmptyResponseError means the upstream stream produced no content
type EmptyResponseError struct {
	*BaseError
}

// NewEmptyResponseError creates an EmptyResponseError
func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "no content received from upstream"
	}
	return &EmptyResponseError{
		BaseError: &BaseError{Message: message, Code: CodeEmptyResponse, Retryable: true},
	}
}

// NoCredentialsError means selection found nothing usable
type NoCredentialsError struct {
	*BaseError
}

// NewNoCredentialsError creates a NoCredentialsError
func NewNoCredentialsError(message string) *NoCredentialsError {
	if message == "" {
		message = "no credentials available"
	}
	return &NoCredentialsError{
		BaseError: &BaseError{Message: message, Code: CodeNoCredentials, Retryable: false},
	}
}

// BodyTooLargeError means the request exceeded the upstream body budget
// even after compression
type BodyTooLargeError struct {
	*BaseError
	Size  int `json:"size"`
	Limit int `json:"limit"`
}

// NewBodyTooLargeError creates a BodyTooLargeError
func NewBodyTooLargeError(size, limit int) *BodyTooLargeError {
	return &BodyTooLargeError{
		BaseError: &BaseError{
			Message:   fmt.Sprintf("request body %d bytes exceeds the %d byte upstream limit", size, limit),
			Code:      CodeBodyTooLarge,
			Retryable: false,
		},
		Size:  size,
		Limit: limit,
	}
}

// UnsupportedModelError means the requested model maps to nothing upstream
type UnsupportedModelError struct {
	*BaseError
	Model string `json:"model"`
}

// NewUnsupportedModelError creates an UnsupportedModelError
func NewUnsupportedModelError(model string) *UnsupportedModelError {
	return &UnsupportedModelError{
		BaseError: &BaseError{
			Message:   fmt.Sprintf("unsupported model: %s", model),
			Code:      CodeUnsupportedModel,
			Retryable: false,
		},
		Model: model,
	}
}

// MaxRetriesError wraps the last failure after the retry budget ran out
type MaxRetriesError struct {
	*BaseError
	Attempts int   `json:"attempts"`
	LastErr  error `json:"-"`
}

// NewMaxRetriesError creates a MaxRetriesError
func NewMaxRetriesError(attempts int, lastErr error) *MaxRetriesError {
	msg := fmt.Sprintf("all %d attempts failed", attempts)
	if lastErr != nil {
		msg = fmt.Sprintf("all %d attempts failed, last error: %v", attempts, lastErr)
	}
	return &MaxRetriesError{
		BaseError: &BaseError{Message: msg, Code: CodeMaxRetries, Retryable: false},
		Attempts:  attempts,
		LastErr:   lastErr,
	}
}

func (e *MaxRetriesError) Unwrap() error {
	return e.LastErr
}

// Error checking helpers

// IsQuotaExhausted checks for a quota exhaustion error
func IsQuotaExhausted(err error) bool {
	var qe *QuotaExhaustedError
	if errors.As(err, &qe) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "MONTHLY_REQUEST_COUNT")
}

// IsModelUnavailable checks for a model availability error
func IsModelUnavailable(err error) bool {
	var me *ModelUnavailableError
	if errors.As(err, &me) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "MODEL_TEMPORARILY_UNAVAILABLE")
}

// IsEmptyResponse checks for an empty upstream response
func IsEmptyResponse(err error) bool {
	var ee *EmptyResponseError
	return errors.As(err, &ee)
}

// IsNoCredentials checks whether selection found nothing usable
func IsNoCredentials(err error) bool {
	var ne *NoCredentialsError
	return errors.As(err, &ne)
}

// HTTPStatusFromError maps an error to a client-facing HTTP status
func HTTPStatusFromError(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		if ue.StatusCode >= 400 {
			return ue.StatusCode
		}
		return 502
	}
	var be *BodyTooLargeError
	if errors.As(err, &be) {
		return 400
	}
	var me *UnsupportedModelError
	if errors.As(err, &me) {
		return 400
	}
	var ne *NoCredentialsError
	if errors.As(err, &ne) {
		return 503
	}
	var mue *ModelUnavailableError
	if errors.As(err, &mue) {
		return 503
	}
	var mre *MaxRetriesError
	if errors.As(err, &mre) {
		return 502
	}
	var ee *EmptyResponseError
	if errors.As(err, &ee) {
		return 502
	}
	var se *StreamException
	if errors.As(err, &se) {
		return 502
	}
	return 500
}

// APIErrorType maps an error to the Anthropic error.type value
func APIErrorType(err error) string {
	var be *BodyTooLargeError
	var me *UnsupportedModelError
	if errors.As(err, &be) || errors.As(err, &me) {
		return "invalid_request_error"
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		if ue.StatusCode == 400 {
			return "invalid_request_error"
		}
		return "upstream_error"
	}
	var mre *MaxRetriesError
	var ee *EmptyResponseError
	var ne *NoCredentialsError
	var mue *ModelUnavailableError
	var se *StreamException
	if errors.As(err, &mre) || errors.As(err, &ee) || errors.As(err, &ne) || errors.As(err, &mue) || errors.As(err, &se) {
		return "upstream_error"
	}
	return "internal_error"
}

func truncateForError(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
