package handler

import (
	"io"
	"net/http"

	"github.com/bcnelson/hostbeat/internal/api/middleware"
	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/service"
)

// Header names of a signed ingestion request.
const (
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
)

// IngestHandler handles telemetry ingestion.
type IngestHandler struct {
	auth   *service.Authenticator
	ingest *service.IngestService
}

// NewIngestHandler creates a new IngestHandler.
func NewIngestHandler(auth *service.Authenticator, ingest *service.IngestService) *IngestHandler {
	return &IngestHandler{auth: auth, ingest: ingest}
}

// Ingest authenticates and stores one telemetry batch. The body has already
// been decompressed and size checked.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "unreadable request body")
		return
	}

	id, err := h.auth.Authenticate(r.Context(), &service.SignedRequest{
		BearerToken: middleware.BearerToken(r),
		Timestamp:   r.Header.Get(HeaderTimestamp),
		Nonce:       r.Header.Get(HeaderNonce),
		Signature:   r.Header.Get(HeaderSignature),
		Body:        body,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}

	resp, err := h.ingest.IngestRaw(r.Context(), id, body)
	if err != nil {
		handleError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}
