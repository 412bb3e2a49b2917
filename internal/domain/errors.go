package domain

import "errors"

// Common errors used throughout the application.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// Credential lifecycle errors.
var (
	ErrInvalidEnrollmentSecret = errors.New("invalid enrollment secret")
	ErrUnknownHost             = errors.New("unknown host")
	ErrInvalidRotationToken    = errors.New("invalid rotation token")
)

// Request authentication errors, in the order the checks run.
var (
	ErrMissingHeaders         = errors.New("missing authentication headers")
	ErrStaleOrFutureTimestamp = errors.New("stale or future timestamp")
	ErrInvalidOrExpiredToken  = errors.New("invalid or expired token")
	ErrTenantMismatch         = errors.New("tenant mismatch")
	ErrReplayDetected         = errors.New("replay detected")
	ErrInvalidSignature       = errors.New("invalid signature")
)

// Request body errors.
var (
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

// Error codes for standardized API error responses.
const (
	ErrCodeResourceNotFound    = "RESOURCE_NOT_FOUND"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeReplay              = "REPLAY_DETECTED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeValidationError     = "VALIDATION_ERROR"
	ErrCodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeMissingHeaders      = "MISSING_HEADERS"
	ErrCodeUnsupportedEncoding = "UNSUPPORTED_ENCODING"
)

// StandardError represents a standardized error response from the API.
type StandardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// StandardErrorResponse wraps a StandardError for JSON responses.
type StandardErrorResponse struct {
	Error StandardError `json:"error"`
}
