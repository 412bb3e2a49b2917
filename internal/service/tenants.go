package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/security"
	"github.com/bcnelson/hostbeat/internal/storage"
	"github.com/bcnelson/hostbeat/internal/validation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TenantService administers tenants and answers read-only queries about
// their hosts.
type TenantService struct {
	store        storage.Storage
	defaultWidth time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// NewTenantService creates a new TenantService. defaultWidth is the rollup
// width returned when a query names none.
func NewTenantService(store storage.Storage, defaultWidth time.Duration, logger zerolog.Logger) *TenantService {
	return &TenantService{
		store:        store,
		defaultWidth: defaultWidth,
		logger:       logger.With().Str("component", "tenants").Logger(),
		now:          time.Now,
	}
}

// CreateTenant creates a tenant and returns its enrollment secret. The
// secret is only ever returned here and by RotateSecret.
func (s *TenantService) CreateTenant(ctx context.Context, req *domain.CreateTenantRequest) (*domain.TenantSecretResponse, error) {
	name := strings.TrimSpace(req.Name)
	var errs validation.ValidationErrors
	switch {
	case name == "":
		errs.Add("name", "", "is required")
	case len([]rune(name)) > validation.MaxNameLen:
		errs.Add("name", "", fmt.Sprintf("must be at most %d characters", validation.MaxNameLen))
	}
	if errs.HasErrors() {
		return nil, errs
	}

	secret, err := security.NewEnrollSecret()
	if err != nil {
		return nil, err
	}
	tenant := &domain.Tenant{
		ID:         uuid.New().String(),
		Name:       name,
		SecretHash: security.HashSecret(secret),
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
	}
	if err := s.store.CreateTenant(ctx, tenant); err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}

	s.logger.Info().Str("tenant_id", tenant.ID).Str("name", tenant.Name).Msg("tenant created")
	return &domain.TenantSecretResponse{
		ID:           tenant.ID,
		Name:         tenant.Name,
		EnrollSecret: secret,
		CreatedAt:    tenant.CreatedAt,
	}, nil
}

// ListTenants returns all tenants.
func (s *TenantService) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	return s.store.ListTenants(ctx)
}

// RotateSecret replaces the enrollment secret of a tenant. Hosts already
// enrolled keep their credentials.
func (s *TenantService) RotateSecret(ctx context.Context, tenantID string) (*domain.TenantSecretResponse, error) {
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	secret, err := security.NewEnrollSecret()
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateTenantSecretHash(ctx, tenant.ID, security.HashSecret(secret)); err != nil {
		return nil, fmt.Errorf("updating tenant secret: %w", err)
	}

	s.logger.Info().Str("tenant_id", tenant.ID).Msg("tenant enrollment secret rotated")
	return &domain.TenantSecretResponse{
		ID:           tenant.ID,
		Name:         tenant.Name,
		EnrollSecret: secret,
		CreatedAt:    tenant.CreatedAt,
	}, nil
}

// ListHosts returns the hosts enrolled with a tenant.
func (s *TenantService) ListHosts(ctx context.Context, tenantID string) ([]*domain.HostCredential, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return s.store.ListHostCredentials(ctx, tenantID)
}

// ListAlerts returns the alerts of a tenant, optionally filtered by status.
func (s *TenantService) ListAlerts(ctx context.Context, tenantID, status string) ([]*domain.Alert, error) {
	st := domain.AlertStatus(strings.ToLower(status))
	switch st {
	case "", domain.AlertOpen, domain.AlertCleared:
	default:
		return nil, validation.ValidationErrors{
			validation.NewValidationError("status", status, "must be open or cleared"),
		}
	}
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return s.store.ListAlerts(ctx, tenantID, st)
}

// ListRollups returns the rollup buckets of one host. width is a Go
// duration ("1h") or a number of seconds; empty selects the default width.
func (s *TenantService) ListRollups(ctx context.Context, tenantID, hostID, width string) ([]*domain.RollupBucket, error) {
	w, err := parseWidth(width, s.defaultWidth)
	if err != nil {
		return nil, validation.ValidationErrors{
			validation.NewValidationError("width", width, "must be a positive duration or number of seconds"),
		}
	}

	host, err := s.store.GetHostCredential(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if host.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return s.store.ListRollups(ctx, tenantID, hostID, int64(w/time.Second))
}

func parseWidth(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs <= 0 {
			return 0, errors.New("width must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, errors.New("width must be at least one second")
	}
	return d, nil
}
