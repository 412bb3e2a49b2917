package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/validation"
	"github.com/rs/zerolog"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, &domain.StandardErrorResponse{
		Error: domain.StandardError{
			Code:    code,
			Message: message,
		},
	})
}

// respondValidationErrors writes a 422 listing every violation.
func respondValidationErrors(w http.ResponseWriter, errs validation.ValidationErrors) {
	respondJSON(w, http.StatusUnprocessableEntity, &domain.StandardErrorResponse{
		Error: domain.StandardError{
			Code:    domain.ErrCodeValidationError,
			Message: "validation failed",
			Details: map[string]any{"violations": errs},
		},
	})
}

// handleError converts domain errors to HTTP errors. Authentication failures
// only name their category.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validation.ValidationErrors
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verrs):
		respondValidationErrors(w, verrs)
	case errors.As(err, &verr):
		respondValidationErrors(w, validation.ValidationErrors{verr})
	case errors.Is(err, domain.ErrMissingHeaders):
		respondError(w, http.StatusBadRequest, domain.ErrCodeMissingHeaders, "missing or malformed authentication headers")
	case errors.Is(err, domain.ErrUnsupportedEncoding):
		respondError(w, http.StatusBadRequest, domain.ErrCodeUnsupportedEncoding, "unsupported content encoding")
	case errors.Is(err, domain.ErrPayloadTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, domain.ErrCodePayloadTooLarge, "payload too large")
	case errors.Is(err, domain.ErrStaleOrFutureTimestamp),
		errors.Is(err, domain.ErrInvalidOrExpiredToken):
		respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "authentication failed")
	case errors.Is(err, domain.ErrUnknownHost),
		errors.Is(err, domain.ErrTenantMismatch),
		errors.Is(err, domain.ErrInvalidSignature),
		errors.Is(err, domain.ErrInvalidEnrollmentSecret),
		errors.Is(err, domain.ErrInvalidRotationToken):
		respondError(w, http.StatusForbidden, domain.ErrCodeForbidden, "forbidden")
	case errors.Is(err, domain.ErrReplayDetected):
		respondError(w, http.StatusConflict, domain.ErrCodeReplay, "replay detected")
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists):
		respondError(w, http.StatusConflict, domain.ErrCodeConflict, "already exists")
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid input")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
	}
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}
