package handler

import (
	"net/http"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/service"
)

// CredentialHandler handles enrollment and token rotation.
type CredentialHandler struct {
	creds *service.CredentialManager
}

// NewCredentialHandler creates a new CredentialHandler.
func NewCredentialHandler(creds *service.CredentialManager) *CredentialHandler {
	return &CredentialHandler{creds: creds}
}

// Enroll enrolls a host, or re-enrolls one with a known fingerprint.
func (h *CredentialHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req domain.EnrollRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	resp, err := h.creds.Enroll(r.Context(), &req)
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Rotate exchanges a rotation token for fresh tokens.
func (h *CredentialHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	var req domain.RotateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	resp, err := h.creds.Rotate(r.Context(), &req)
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}
