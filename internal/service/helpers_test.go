package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bcnelson/hostbeat/internal/config"
	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/metrics"
	"github.com/bcnelson/hostbeat/internal/security"
	"github.com/bcnelson/hostbeat/internal/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *clock { return &clock{t: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// env wires every service against one in-memory store and one clock.
type env struct {
	store   *memory.Store
	clock   *clock
	tokens  *security.TokenIssuer
	metrics *metrics.Metrics
	creds   *CredentialManager
	auth    *Authenticator
	ingest  *IngestService
	jobs    *JobRunner
	tenants *TenantService
}

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		Secret:            "job-secret",
		OfflineAfter:      10 * time.Minute,
		NonceRetention:    15 * time.Minute,
		RollupFineWidth:   time.Hour,
		RollupCoarseWidth: 24 * time.Hour,
		RollupLookback:    72 * time.Hour,
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	key, err := security.GenerateSigningKey()
	require.NoError(t, err)

	e := &env{
		store:   memory.New(),
		clock:   newClock(base),
		metrics: metrics.New(),
	}
	logger := zerolog.Nop()
	e.tokens = security.NewTokenIssuer(key, key.Public(), "hostbeat", "hostbeat-agents", time.Hour).WithClock(e.clock.Now)
	e.creds = NewCredentialManager(e.store, e.tokens, e.metrics, logger).WithClock(e.clock.Now)
	e.auth = NewAuthenticator(e.tokens, e.store, e.store, 5*time.Minute, e.metrics, logger).WithClock(e.clock.Now)
	e.ingest = NewIngestService(e.store, e.metrics, logger).WithClock(e.clock.Now)
	e.jobs = NewJobRunner(e.store, testJobsConfig(), e.metrics, logger).WithClock(e.clock.Now)
	e.tenants = NewTenantService(e.store, time.Hour, logger)
	e.tenants.now = e.clock.Now
	return e
}

// seedTenant creates a tenant and returns it with its enrollment secret.
func (e *env) seedTenant(t *testing.T, name string) *domain.TenantSecretResponse {
	t.Helper()
	resp, err := e.tenants.CreateTenant(context.Background(), &domain.CreateTenantRequest{Name: name})
	require.NoError(t, err)
	return resp
}

func testFacts(fingerprint string) *domain.HostFacts {
	return &domain.HostFacts{
		Fingerprint:  fingerprint,
		Hostname:     "web-1",
		OS:           domain.OSInfo{Name: "Ubuntu", Version: "22.04"},
		Kernel:       "6.5.0",
		CPU:          domain.CPUInfo{Model: "EPYC", Cores: 4},
		MemBytes:     8 << 30,
		AgentVersion: "0.3.0",
	}
}

// enroll enrolls a host with fingerprint into a fresh tenant.
func (e *env) enroll(t *testing.T, secret, fingerprint string) *domain.EnrollResponse {
	t.Helper()
	resp, err := e.creds.Enroll(context.Background(), &domain.EnrollRequest{
		TenantSecret: secret,
		HostFacts:    testFacts(fingerprint),
	})
	require.NoError(t, err)
	return resp
}

// sign builds a signed request for body sent at ts.
func sign(enr *domain.EnrollResponse, ts time.Time, nonce string, body []byte) *SignedRequest {
	stamp := ts.UTC().Format(time.RFC3339Nano)
	return &SignedRequest{
		BearerToken: enr.AccessToken,
		Timestamp:   stamp,
		Nonce:       nonce,
		Signature:   security.Sign(enr.SigningSecret, stamp, nonce, body),
		Body:        body,
	}
}

func testBatch(ts time.Time) *domain.TelemetryBatch {
	return &domain.TelemetryBatch{
		Heartbeat: &domain.Heartbeat{
			TS:      ts.UTC().Format(time.RFC3339Nano),
			UptimeS: 3600,
			Load:    domain.LoadAverage{M1: 0.5, M5: 0.4, M15: 0.3},
			CPUPct:  12.5,
			Mem:     domain.MemoryUsage{Used: 1 << 30, Free: 7 << 30},
		},
	}
}
