package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/metrics"
	"github.com/bcnelson/hostbeat/internal/security"
	"github.com/bcnelson/hostbeat/internal/storage"
	"github.com/bcnelson/hostbeat/internal/validation"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// enrollAttempts bounds retries of a first enrollment that loses a race
// against a concurrent enrollment of the same fingerprint.
const enrollAttempts = 3

// CredentialManager issues and rotates host credentials.
type CredentialManager struct {
	store   storage.Storage
	tokens  *security.TokenIssuer
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewCredentialManager creates a new CredentialManager.
func NewCredentialManager(store storage.Storage, tokens *security.TokenIssuer, m *metrics.Metrics, logger zerolog.Logger) *CredentialManager {
	return &CredentialManager{
		store:   store,
		tokens:  tokens,
		metrics: m,
		logger:  logger.With().Str("component", "credentials").Logger(),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for last-seen stamps.
func (s *CredentialManager) WithClock(now func() time.Time) *CredentialManager {
	s.now = now
	return s
}

// Enroll registers a host with the tenant owning the presented secret, or
// re-issues an access token to a host already enrolled with the same
// fingerprint.
func (s *CredentialManager) Enroll(ctx context.Context, req *domain.EnrollRequest) (*domain.EnrollResponse, error) {
	tenant, err := s.store.GetTenantBySecretHash(ctx, security.HashSecret(req.TenantSecret))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.metrics.CredentialOp("enroll", "invalid_secret")
			return nil, domain.ErrInvalidEnrollmentSecret
		}
		return nil, fmt.Errorf("looking up tenant: %w", err)
	}

	if err := validation.ValidateHostFacts("host_facts", req.HostFacts); err != nil {
		s.metrics.CredentialOp("enroll", "invalid_facts")
		return nil, err
	}

	var (
		cred       *domain.HostCredential
		reenrolled bool
	)
	operation := func() error {
		var err error
		cred, reenrolled, err = s.upsertCredential(ctx, tenant.ID, req.HostFacts)
		if err == nil || errors.Is(err, domain.ErrAlreadyExists) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, enrollAttempts-1), ctx)); err != nil {
		return nil, fmt.Errorf("enrolling host: %w", err)
	}

	token, expiresAt, err := s.tokens.Issue(cred.HostID, cred.TenantID)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	outcome := "created"
	if reenrolled {
		outcome = "reenrolled"
	}
	s.metrics.CredentialOp("enroll", outcome)
	s.logger.Info().
		Str("tenant_id", cred.TenantID).
		Str("host_id", cred.HostID).
		Str("outcome", outcome).
		Msg("host enrolled")

	return &domain.EnrollResponse{
		HostID:        cred.HostID,
		TenantID:      cred.TenantID,
		AccessToken:   token,
		RotationToken: cred.RotationToken,
		SigningSecret: cred.SigningSecret,
		ExpiresAt:     expiresAt,
	}, nil
}

// upsertCredential refreshes the facts of an existing credential or creates
// a new one. Creation reports domain.ErrAlreadyExists when another request
// enrolled the same fingerprint first.
func (s *CredentialManager) upsertCredential(ctx context.Context, tenantID string, facts *domain.HostFacts) (*domain.HostCredential, bool, error) {
	now := s.now().UTC()
	fingerprint := facts.HardwareFingerprint()

	existing, err := s.store.GetHostCredentialByFingerprint(ctx, tenantID, fingerprint)
	switch {
	case err == nil:
		facts.ApplyTo(existing)
		existing.LastSeenAt = now
		if err := s.store.UpdateHostFacts(ctx, existing); err != nil {
			return nil, false, fmt.Errorf("updating host facts: %w", err)
		}
		return existing, true, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, false, fmt.Errorf("looking up host: %w", err)
	}

	signingSecret, err := security.NewSigningSecret()
	if err != nil {
		return nil, false, err
	}
	rotationToken, err := security.NewRotationToken()
	if err != nil {
		return nil, false, err
	}
	cred := &domain.HostCredential{
		TenantID:      tenantID,
		HostID:        uuid.New().String(),
		Fingerprint:   fingerprint,
		SigningSecret: signingSecret,
		RotationToken: rotationToken,
		EnrolledAt:    now,
		LastSeenAt:    now,
	}
	facts.ApplyTo(cred)

	if err := s.store.CreateHostCredential(ctx, cred); err != nil {
		return nil, false, err
	}
	return cred, false, nil
}

// Rotate exchanges a rotation token for a fresh access token and a fresh
// rotation token. The presented token is invalid afterwards.
func (s *CredentialManager) Rotate(ctx context.Context, req *domain.RotateRequest) (*domain.RotateResponse, error) {
	if req.HostID == "" || req.RotationToken == "" {
		s.metrics.CredentialOp("rotate", "invalid_token")
		return nil, domain.ErrInvalidRotationToken
	}

	cred, err := s.store.GetHostCredential(ctx, req.HostID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.metrics.CredentialOp("rotate", "unknown_host")
			return nil, domain.ErrUnknownHost
		}
		return nil, fmt.Errorf("loading host: %w", err)
	}

	if !security.SecretEqual(cred.RotationToken, req.RotationToken) {
		s.metrics.CredentialOp("rotate", "invalid_token")
		s.logger.Warn().Str("host_id", cred.HostID).Msg("rotation token mismatch")
		return nil, domain.ErrInvalidRotationToken
	}

	next, err := security.NewRotationToken()
	if err != nil {
		return nil, err
	}
	// A concurrent rotation that swapped first leaves no row matching the
	// presented token.
	if err := s.store.SwapRotationToken(ctx, cred.TenantID, cred.HostID, req.RotationToken, next, s.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.metrics.CredentialOp("rotate", "lost_race")
			return nil, domain.ErrInvalidRotationToken
		}
		return nil, fmt.Errorf("swapping rotation token: %w", err)
	}

	token, expiresAt, err := s.tokens.Issue(cred.HostID, cred.TenantID)
	if err != nil {
		return nil, fmt.Errorf("issuing access token: %w", err)
	}

	s.metrics.CredentialOp("rotate", "rotated")
	s.logger.Info().Str("tenant_id", cred.TenantID).Str("host_id", cred.HostID).Msg("tokens rotated")

	return &domain.RotateResponse{
		AccessToken:   token,
		RotationToken: next,
		ExpiresAt:     expiresAt,
	}, nil
}
