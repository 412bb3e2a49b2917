package api

import (
	"net/http"

	"github.com/bcnelson/hostbeat/internal/api/handler"
	"github.com/bcnelson/hostbeat/internal/api/middleware"
	"github.com/bcnelson/hostbeat/internal/metrics"
	"github.com/bcnelson/hostbeat/internal/service"
	"github.com/bcnelson/hostbeat/internal/storage"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Dependencies are the components the router dispatches to.
type Dependencies struct {
	Store         storage.Storage
	Credentials   *service.CredentialManager
	Authenticator *service.Authenticator
	Ingest        *service.IngestService
	Jobs          *service.JobRunner
	Tenants       *service.TenantService
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger

	JobSecret   string
	AdminAPIKey string
	// AdminVerifier is nil when OIDC is disabled.
	AdminVerifier middleware.AdminTokenVerifier
	MaxBodyBytes  int64
	Version       string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Logging(deps.Logger))
	r.Use(chimw.Recoverer)

	instrument := func(name string, h http.HandlerFunc) http.Handler {
		return deps.Metrics.InstrumentHandler(name, h)
	}

	// Health check (no auth required)
	healthHandler := handler.NewHealthHandler(deps.Store, deps.Version)
	r.Method(http.MethodGet, "/health", instrument("health", healthHandler.Get))
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		credHandler := handler.NewCredentialHandler(deps.Credentials)
		r.Method(http.MethodPost, "/enroll", instrument("enroll", credHandler.Enroll))
		r.Method(http.MethodPost, "/rotate", instrument("rotate", credHandler.Rotate))

		// Authenticated per request by signature; the body is decoded first
		// so the signature covers the decompressed bytes.
		ingestHandler := handler.NewIngestHandler(deps.Authenticator, deps.Ingest)
		r.With(middleware.Decompress(deps.MaxBodyBytes)).
			Method(http.MethodPost, "/ingest", instrument("ingest", ingestHandler.Ingest))

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerSecret(deps.JobSecret))
			jobHandler := handler.NewJobHandler(deps.Jobs)
			r.Method(http.MethodPost, "/jobs/{job}", instrument("jobs", jobHandler.Run))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.AdminAuth(deps.AdminAPIKey, deps.AdminVerifier))

			tenantHandler := handler.NewTenantHandler(deps.Tenants)
			r.Method(http.MethodPost, "/tenants", instrument("admin", tenantHandler.Create))
			r.Method(http.MethodGet, "/tenants", instrument("admin", tenantHandler.List))
			r.Route("/tenants/{id}", func(r chi.Router) {
				r.Method(http.MethodPost, "/secret", instrument("admin", tenantHandler.RotateSecret))
				r.Method(http.MethodGet, "/hosts", instrument("admin", tenantHandler.ListHosts))
				r.Method(http.MethodGet, "/alerts", instrument("admin", tenantHandler.ListAlerts))
				r.Method(http.MethodGet, "/hosts/{host_id}/rollups", instrument("admin", tenantHandler.ListRollups))
			})
		})
	})

	return r
}
