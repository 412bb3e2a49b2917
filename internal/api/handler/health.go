package handler

import (
	"net/http"
	"time"

	"github.com/bcnelson/hostbeat/internal/storage"
)

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// HealthHandler reports liveness and store reachability.
type HealthHandler struct {
	store   storage.Storage
	version string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(store storage.Storage, version string) *HealthHandler {
	return &HealthHandler{store: store, version: version}
}

// Get answers 200 when the store responds and 503 otherwise.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
	}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}
