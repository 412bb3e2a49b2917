package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/metrics"
	"github.com/bcnelson/hostbeat/internal/security"
	"github.com/bcnelson/hostbeat/internal/validation"
	"github.com/rs/zerolog"
)

// TokenVerifier checks an access token and returns the identity it binds.
type TokenVerifier interface {
	Verify(token string) (hostID, tenantID string, err error)
}

// CredentialLoader loads the signing key of a host.
type CredentialLoader interface {
	GetHostSigningKey(ctx context.Context, hostID string) (*domain.HostSigningKey, error)
}

// NonceRecorder atomically records a nonce, reporting
// domain.ErrAlreadyExists when it was recorded before.
type NonceRecorder interface {
	InsertNonce(ctx context.Context, nonce *domain.ReplayNonce) error
}

// SignedRequest carries the authentication material of an ingestion request.
// Body is the decompressed request body.
type SignedRequest struct {
	BearerToken string
	Timestamp   string
	Nonce       string
	Signature   string
	Body        []byte
}

// Authenticator runs the ordered checks that admit an ingestion request.
type Authenticator struct {
	tokens  TokenVerifier
	keys    CredentialLoader
	nonces  NonceRecorder
	skew    time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(tokens TokenVerifier, keys CredentialLoader, nonces NonceRecorder, skew time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		tokens:  tokens,
		keys:    keys,
		nonces:  nonces,
		skew:    skew,
		metrics: m,
		logger:  logger.With().Str("component", "authenticator").Logger(),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for the freshness check.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// Authenticate verifies req and returns the host it was sent by. Checks run
// in order and stop at the first failure: timestamp freshness, token, host
// credential, replay, signature. The nonce is consumed before the signature
// is checked.
func (a *Authenticator) Authenticate(ctx context.Context, req *SignedRequest) (domain.HostIdentity, error) {
	var id domain.HostIdentity

	if req.BearerToken == "" || req.Timestamp == "" || req.Nonce == "" || req.Signature == "" {
		return id, a.fail("missing_headers", domain.ErrMissingHeaders, id)
	}
	if err := validation.ValidateNonce(req.Nonce); err != nil {
		return id, a.fail("malformed_nonce", domain.ErrMissingHeaders, id)
	}

	now := a.now()
	sentAt, err := parseRequestTime(req.Timestamp)
	if err != nil {
		return id, a.fail("bad_timestamp", domain.ErrStaleOrFutureTimestamp, id)
	}
	if d := now.Sub(sentAt); d > a.skew || d < -a.skew {
		return id, a.fail("stale_timestamp", domain.ErrStaleOrFutureTimestamp, id)
	}

	hostID, tenantID, err := a.tokens.Verify(req.BearerToken)
	if err != nil {
		return id, a.fail("invalid_token", domain.ErrInvalidOrExpiredToken, id)
	}
	id = domain.HostIdentity{TenantID: tenantID, HostID: hostID}

	key, err := a.keys.GetHostSigningKey(ctx, hostID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return id, a.fail("unknown_host", domain.ErrUnknownHost, id)
		}
		return id, fmt.Errorf("loading signing key: %w", err)
	}
	if key.TenantID != tenantID {
		return id, a.fail("tenant_mismatch", domain.ErrTenantMismatch, id)
	}

	err = a.nonces.InsertNonce(ctx, &domain.ReplayNonce{
		TenantID:   tenantID,
		HostID:     hostID,
		Nonce:      req.Nonce,
		ObservedAt: now.UTC(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return id, a.fail("replay", domain.ErrReplayDetected, id)
		}
		return id, fmt.Errorf("recording nonce: %w", err)
	}

	if !security.VerifySignature(key.SigningSecret, req.Timestamp, req.Nonce, req.Body, req.Signature) {
		return id, a.fail("bad_signature", domain.ErrInvalidSignature, id)
	}

	return id, nil
}

func (a *Authenticator) fail(reason string, err error, id domain.HostIdentity) error {
	a.metrics.AuthFailure(reason)
	a.logger.Warn().
		Str("reason", reason).
		Str("tenant_id", id.TenantID).
		Str("host_id", id.HostID).
		Msg("request authentication failed")
	return err
}

// parseRequestTime accepts RFC 3339 with optional fractional seconds or
// Unix seconds.
func parseRequestTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := validation.ParseTimestamp(value); err == nil {
		return ts, nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
