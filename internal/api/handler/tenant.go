package handler

import (
	"net/http"

	"github.com/bcnelson/hostbeat/internal/api/middleware"
	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// TenantHandler handles tenant administration endpoints.
type TenantHandler struct {
	tenants *service.TenantService
}

// NewTenantHandler creates a new TenantHandler.
func NewTenantHandler(tenants *service.TenantService) *TenantHandler {
	return &TenantHandler{tenants: tenants}
}

// Create creates a tenant and returns its enrollment secret once.
func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	resp, err := h.tenants.CreateTenant(r.Context(), &req)
	if err != nil {
		handleError(w, r, err)
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("tenant_id", resp.ID).
		Str("admin", middleware.GetAdminFromContext(r.Context())).
		Msg("tenant created via admin api")
	respondJSON(w, http.StatusCreated, resp)
}

// List lists all tenants.
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.tenants.ListTenants(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}

	if tenants == nil {
		tenants = []*domain.Tenant{}
	}
	respondJSON(w, http.StatusOK, tenants)
}

// RotateSecret issues a new enrollment secret for a tenant.
func (h *TenantHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	resp, err := h.tenants.RotateSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}

	zerolog.Ctx(r.Context()).Info().
		Str("tenant_id", resp.ID).
		Str("admin", middleware.GetAdminFromContext(r.Context())).
		Msg("tenant secret rotated via admin api")
	respondJSON(w, http.StatusOK, resp)
}

// ListHosts lists the hosts enrolled with a tenant.
func (h *TenantHandler) ListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := h.tenants.ListHosts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, r, err)
		return
	}

	if hosts == nil {
		hosts = []*domain.HostCredential{}
	}
	respondJSON(w, http.StatusOK, hosts)
}

// ListAlerts lists the alerts of a tenant, filtered by ?status=.
func (h *TenantHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.tenants.ListAlerts(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("status"))
	if err != nil {
		handleError(w, r, err)
		return
	}

	if alerts == nil {
		alerts = []*domain.Alert{}
	}
	respondJSON(w, http.StatusOK, alerts)
}

// ListRollups lists the rollup buckets of one host, filtered by ?width=.
func (h *TenantHandler) ListRollups(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.tenants.ListRollups(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "host_id"), r.URL.Query().Get("width"))
	if err != nil {
		handleError(w, r, err)
		return
	}

	if buckets == nil {
		buckets = []*domain.RollupBucket{}
	}
	respondJSON(w, http.StatusOK, buckets)
}
