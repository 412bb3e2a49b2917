package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bcnelson/hostbeat/internal/api"
	"github.com/bcnelson/hostbeat/internal/auth"
	"github.com/bcnelson/hostbeat/internal/config"
	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/metrics"
	"github.com/bcnelson/hostbeat/internal/security"
	"github.com/bcnelson/hostbeat/internal/service"
	"github.com/bcnelson/hostbeat/internal/storage/memory"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminKey  = "test-admin-key"
	jobSecret = "test-job-secret"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

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

// testServer creates a test server with in-memory storage
type testServer struct {
	handler http.Handler
	store   *memory.Store
	clock   *clock
}

type fakeVerifier struct{}

func (fakeVerifier) VerifyBearer(ctx context.Context, raw string) (*auth.OIDCClaims, error) {
	if raw == "oidc-good" {
		return &auth.OIDCClaims{Subject: "u1", Email: "ops@example.com"}, nil
	}
	return nil, errors.New("bad token")
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	c := &clock{t: base}
	m := metrics.New()
	logger := zerolog.Nop()

	key, err := security.GenerateSigningKey()
	require.NoError(t, err)
	tokens := security.NewTokenIssuer(key, key.Public(), "hostbeat", "hostbeat-agents", time.Hour).WithClock(c.Now)

	jobsCfg := config.JobsConfig{
		Secret:            jobSecret,
		OfflineAfter:      10 * time.Minute,
		NonceRetention:    15 * time.Minute,
		RollupFineWidth:   time.Hour,
		RollupCoarseWidth: 24 * time.Hour,
		RollupLookback:    72 * time.Hour,
	}

	handler := api.NewRouter(api.Dependencies{
		Store:         store,
		Credentials:   service.NewCredentialManager(store, tokens, m, logger).WithClock(c.Now),
		Authenticator: service.NewAuthenticator(tokens, store, store, 5*time.Minute, m, logger).WithClock(c.Now),
		Ingest:        service.NewIngestService(store, m, logger).WithClock(c.Now),
		Jobs:          service.NewJobRunner(store, jobsCfg, m, logger).WithClock(c.Now),
		Tenants:       service.NewTenantService(store, time.Hour, logger),
		Metrics:       m,
		Logger:        logger,
		JobSecret:     jobSecret,
		AdminAPIKey:   adminKey,
		AdminVerifier: fakeVerifier{},
		MaxBodyBytes:  64 << 10,
		Version:       "test",
	})

	return &testServer{handler: handler, store: store, clock: c}
}

func (ts *testServer) request(method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

// signed describes one ingestion request. Zero fields take defaults: the
// server clock, the host's signing secret and no compression.
type signed struct {
	nonce    string
	at       time.Time
	secret   string
	encoding string
	body     []byte
}

func (ts *testServer) ingest(t *testing.T, enr *domain.EnrollResponse, s signed) *httptest.ResponseRecorder {
	t.Helper()
	if s.at.IsZero() {
		s.at = ts.clock.Now()
	}
	if s.secret == "" {
		s.secret = enr.SigningSecret
	}
	if s.body == nil {
		s.body = batchJSON(t, s.at)
	}
	stamp := s.at.UTC().Format(time.RFC3339Nano)

	payload := s.body
	switch s.encoding {
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write(s.body)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		payload = buf.Bytes()
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		payload = enc.EncodeAll(s.body, nil)
		require.NoError(t, enc.Close())
	}

	req := httptest.NewRequest("POST", "/v1/ingest", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if s.encoding != "" {
		req.Header.Set("Content-Encoding", s.encoding)
	}
	req.Header.Set("Authorization", "Bearer "+enr.AccessToken)
	req.Header.Set("X-Timestamp", stamp)
	req.Header.Set("X-Nonce", s.nonce)
	req.Header.Set("X-Signature", security.Sign(s.secret, stamp, s.nonce, s.body))

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func batchJSON(t *testing.T, at time.Time) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"heartbeat": map[string]any{
			"ts":       at.UTC().Format(time.RFC3339Nano),
			"uptime_s": 3600,
			"load":     map[string]any{"m1": 0.2, "m5": 0.1, "m15": 0.05},
			"cpu_pct":  7.5,
			"mem":      map[string]any{"used": 1024, "free": 2048, "swap_used": 0},
		},
		"disks": []map[string]any{{"mount": "/", "fs": "ext4", "size_bytes": 1000, "used_bytes": 400}},
		"logs":  []map[string]any{{"source": "sshd", "level": "info", "message": "session opened", "raw": map[string]any{}}},
	})
	require.NoError(t, err)
	return body
}

func (ts *testServer) createTenant(t *testing.T, name string) *domain.TenantSecretResponse {
	t.Helper()
	rr := ts.request("POST", "/v1/admin/tenants", map[string]string{"name": name}, adminKey)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp domain.TenantSecretResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return &resp
}

func (ts *testServer) enroll(t *testing.T, secret, fingerprint string) *domain.EnrollResponse {
	t.Helper()
	rr := ts.request("POST", "/v1/enroll", enrollBody(secret, fingerprint), "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp domain.EnrollResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return &resp
}

func enrollBody(secret, fingerprint string) map[string]any {
	return map[string]any{
		"tenant_secret": secret,
		"host_facts": map[string]any{
			"fingerprint":   fingerprint,
			"hostname":      "db-" + fingerprint,
			"os":            map[string]any{"name": "Debian", "version": "12"},
			"kernel":        "6.1.0",
			"cpu":           map[string]any{"model": "Xeon", "cores": 8},
			"mem_bytes":     17179869184,
			"agent_version": "0.3.0",
		},
	}
}

func errorBody(t *testing.T, rr *httptest.ResponseRecorder) domain.StandardError {
	t.Helper()
	var resp domain.StandardErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp.Error
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func runJob(t *testing.T, ts *testServer, job string) map[string]any {
	t.Helper()
	rr := ts.request("POST", "/v1/jobs/"+job, nil, jobSecret)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Status  string         `json:"status"`
		Summary map[string]any `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	return resp.Summary
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("GET", "/health", nil, "")

	require.Equal(t, http.StatusOK, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "test", resp["version"])
	assert.NotEmpty(t, resp["timestamp"])
}

func TestEndToEndScenario(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")

	// F1 enrolls as H1.
	h1 := ts.enroll(t, tenant.EnrollSecret, "F1")
	assert.Equal(t, tenant.ID, h1.TenantID)

	rr := ts.ingest(t, h1, signed{nonce: "nonce-n1-0001"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var ingested domain.IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ingested))
	assert.Equal(t, base.Format(time.RFC3339), ingested.ReceivedAt)

	// Same nonce again: replay, no second heartbeat.
	rr = ts.ingest(t, h1, signed{nonce: "nonce-n1-0001"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, domain.ErrCodeReplay, errorBody(t, rr).Code)
	count, err := ts.store.CountHeartbeats(context.Background(), tenant.ID, h1.HostID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Fresh nonce signed with the wrong secret.
	rr = ts.ingest(t, h1, signed{nonce: "nonce-n2-0002", secret: strings.Repeat("ab", 32)})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, domain.StandardError{Code: domain.ErrCodeForbidden, Message: "forbidden"}, errorBody(t, rr))

	// Eleven idle minutes raise exactly one offline alert.
	ts.clock.Advance(11 * time.Minute)
	assert.Equal(t, map[string]any{"opened": 1.0, "cleared": 0.0}, runJob(t, ts, "offline"))
	assert.Equal(t, map[string]any{"opened": 0.0, "cleared": 0.0}, runJob(t, ts, "offline"))

	rr = ts.request("GET", "/v1/admin/tenants/"+tenant.ID+"/alerts?status=open", nil, adminKey)
	require.Equal(t, http.StatusOK, rr.Code)
	var alerts []domain.Alert
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertOffline, alerts[0].Type)
	assert.Equal(t, h1.HostID, alerts[0].HostID)

	// A fresh heartbeat clears it.
	rr = ts.ingest(t, h1, signed{nonce: "nonce-n3-0003"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, map[string]any{"opened": 0.0, "cleared": 1.0}, runJob(t, ts, "offline"))

	rr = ts.request("GET", "/v1/admin/tenants/"+tenant.ID+"/alerts?status=open", nil, adminKey)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestEnrollIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")

	first := ts.enroll(t, tenant.EnrollSecret, "F1")
	second := ts.enroll(t, tenant.EnrollSecret, "F1")

	assert.Equal(t, first.HostID, second.HostID)
	assert.Equal(t, first.SigningSecret, second.SigningSecret)

	rr := ts.request("GET", "/v1/admin/tenants/"+tenant.ID+"/hosts", nil, adminKey)
	require.Equal(t, http.StatusOK, rr.Code)
	var hosts []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &hosts))
	require.Len(t, hosts, 1)
	assert.Equal(t, "db-F1", hosts[0]["hostname"])
	assert.NotContains(t, hosts[0], "signing_secret")
	assert.NotContains(t, hosts[0], "rotation_token")
}

func TestEnrollErrors(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")

	rr := ts.request("POST", "/v1/enroll", enrollBody("hbt_nope", "F1"), "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "forbidden", errorBody(t, rr).Message)

	body := enrollBody(tenant.EnrollSecret, "")
	rr = ts.request("POST", "/v1/enroll", body, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	e := errorBody(t, rr)
	assert.Equal(t, domain.ErrCodeValidationError, e.Code)
	require.Contains(t, e.Details, "violations")
	assert.Len(t, e.Details["violations"], 1)

	req := httptest.NewRequest("POST", "/v1/enroll", strings.NewReader("{not json"))
	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestIngestTimestampSkew(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")
	h := ts.enroll(t, tenant.EnrollSecret, "F1")

	for i, offset := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		rr := ts.ingest(t, h, signed{nonce: fmt.Sprintf("nonce-skew-%d", i), at: base.Add(offset)})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, domain.StandardError{Code: domain.ErrCodeUnauthorized, Message: "authentication failed"}, errorBody(t, rr))
	}

	rr := ts.ingest(t, h, signed{nonce: "nonce-skew-ok", at: base.Add(4 * time.Minute)})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestIngestMissingHeaders(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/ingest", bytes.NewReader(batchJSON(t, base)))
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, domain.ErrCodeMissingHeaders, errorBody(t, rr).Code)
}

func TestIngestCompressedBodies(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")
	h := ts.enroll(t, tenant.EnrollSecret, "F1")

	for _, enc := range []string{"gzip", "zstd"} {
		rr := ts.ingest(t, h, signed{nonce: "nonce-enc-" + enc, encoding: enc})
		assert.Equal(t, http.StatusOK, rr.Code, "%s: %s", enc, rr.Body.String())
	}

	rr := ts.ingest(t, h, signed{nonce: "nonce-enc-br", encoding: "br"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, domain.ErrCodeUnsupportedEncoding, errorBody(t, rr).Code)

	// Compresses well below the limit but inflates past it.
	huge := bytes.Repeat([]byte(" "), 65<<10)
	rr = ts.ingest(t, h, signed{nonce: "nonce-enc-big", encoding: "gzip", body: huge})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Equal(t, domain.ErrCodePayloadTooLarge, errorBody(t, rr).Code)

	count, err := ts.store.CountHeartbeats(context.Background(), tenant.ID, h.HostID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIngestValidation(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")
	h := ts.enroll(t, tenant.EnrollSecret, "F1")

	body := []byte(`{"heartbeat":{"ts":"yesterday","cpu_pct":101},"processes":[{"pid":-1,"cmd":"x"}]}`)
	rr := ts.ingest(t, h, signed{nonce: "nonce-invalid", body: body})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	e := errorBody(t, rr)
	assert.Equal(t, domain.ErrCodeValidationError, e.Code)
	violations, ok := e.Details["violations"].([]any)
	require.True(t, ok)
	var fields []string
	for _, v := range violations {
		fields = append(fields, v.(map[string]any)["field"].(string))
	}
	assert.Equal(t, []string{"heartbeat.ts", "heartbeat.cpu_pct", "processes[0].pid"}, fields)

	rr = ts.ingest(t, h, signed{nonce: "nonce-garbage", body: []byte(`{"heartbeat":`)})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRotate(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")
	h := ts.enroll(t, tenant.EnrollSecret, "F1")

	rr := ts.request("POST", "/v1/rotate", map[string]string{"host_id": h.HostID, "rotation_token": h.RotationToken}, "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var rotated domain.RotateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rotated))
	assert.NotEqual(t, h.RotationToken, rotated.RotationToken)

	// The new access token authenticates ingestion.
	next := *h
	next.AccessToken = rotated.AccessToken
	rr = ts.ingest(t, &next, signed{nonce: "nonce-rotated"})
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.request("POST", "/v1/rotate", map[string]string{"host_id": h.HostID, "rotation_token": h.RotationToken}, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.request("POST", "/v1/rotate", map[string]string{"host_id": "unknown", "rotation_token": "x"}, "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestJobsAuth(t *testing.T) {
	ts := newTestServer(t)

	for _, key := range []string{"", "wrong-secret", adminKey} {
		rr := ts.request("POST", "/v1/jobs/offline", nil, key)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, key)
	}

	rr := ts.request("POST", "/v1/jobs/vacuum", nil, jobSecret)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	assert.Equal(t, map[string]any{"deleted": 0.0}, runJob(t, ts, "nonces"))
}

func TestJobFailureIsReported(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")
	ts.enroll(t, tenant.EnrollSecret, "F1")
	ts.clock.Advance(time.Hour)
	ts.store.FailNext("OpenAlert", errors.New("database is locked"))

	rr := ts.request("POST", "/v1/jobs/offline", nil, jobSecret)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var result domain.JobResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, "failed", result.Status)
	assert.Contains(t, result.Error, "database is locked")
	var raw map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &raw))
	assert.ElementsMatch(t, []string{"job", "status", "error"}, keys(raw))

	// The next run succeeds.
	assert.Equal(t, 1.0, runJob(t, ts, "offline")["opened"])
}

func TestRollupJobIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")
	h := ts.enroll(t, tenant.EnrollSecret, "F1")

	for i := 0; i < 5; i++ {
		rr := ts.ingest(t, h, signed{nonce: fmt.Sprintf("nonce-rollup-%d", i)})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		ts.clock.Advance(7 * time.Minute)
	}
	ts.clock.Advance(time.Hour)

	path := "/v1/admin/tenants/" + tenant.ID + "/hosts/" + h.HostID + "/rollups?width=1h"
	fetch := func() []*domain.RollupBucket {
		rr := ts.request("GET", path, nil, adminKey)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var buckets []*domain.RollupBucket
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &buckets))
		return buckets
	}

	runJob(t, ts, "rollups")
	first := fetch()
	require.Len(t, first, 1)
	assert.Equal(t, int64(5), first[0].SampleCount)
	assert.Equal(t, 7.5, first[0].CPUMean)

	ts.clock.Advance(time.Minute)
	runJob(t, ts, "rollups")
	second := fetch()
	require.Len(t, second, 1)
	assert.True(t, first[0].SameAggregate(second[0]))
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.request("GET", "/v1/admin/tenants", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = ts.request("GET", "/v1/admin/tenants", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = ts.request("GET", "/v1/admin/tenants", nil, jobSecret)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ts.request("GET", "/v1/admin/tenants", nil, "oidc-good")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())
}

func TestAdminTenantLifecycle(t *testing.T) {
	ts := newTestServer(t)
	tenant := ts.createTenant(t, "acme")

	rr := ts.request("POST", "/v1/admin/tenants", map[string]string{"name": ""}, adminKey)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = ts.request("POST", "/v1/admin/tenants/"+tenant.ID+"/secret", nil, adminKey)
	require.Equal(t, http.StatusOK, rr.Code)
	var rotated domain.TenantSecretResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rotated))
	assert.NotEqual(t, tenant.EnrollSecret, rotated.EnrollSecret)

	rr = ts.request("POST", "/v1/enroll", enrollBody(tenant.EnrollSecret, "F1"), "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	ts.enroll(t, rotated.EnrollSecret, "F1")

	rr = ts.request("POST", "/v1/admin/tenants/missing/secret", nil, adminKey)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.request("GET", "/v1/admin/tenants/"+tenant.ID+"/alerts?status=snoozed", nil, adminKey)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = ts.request("GET", "/v1/admin/tenants", nil, adminKey)
	require.Equal(t, http.StatusOK, rr.Code)
	var tenants []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &tenants))
	require.Len(t, tenants, 1)
	assert.NotContains(t, tenants[0], "secret_hash")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.request("GET", "/health", nil, "")
	ts.request("POST", "/v1/jobs/nonces", nil, jobSecret)

	rr := ts.request("GET", "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `hostbeat_http_requests_total{code="200",handler="health",method="get"} 1`)
	assert.Contains(t, rr.Body.String(), `hostbeat_jobs_runs_total{job="nonces",status="ok"} 1`)
}
