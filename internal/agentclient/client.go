// Package agentclient is the host-side client of the hostbeat API. It
// enrolls a host, rotates its tokens and ships signed telemetry batches.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/security"
)

// ErrNotEnrolled is returned by calls that need credentials before Enroll or
// SetCredentials has been called.
var ErrNotEnrolled = errors.New("agent is not enrolled")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("hostbeat: HTTP %d", e.Status)
	}
	return fmt.Sprintf("hostbeat: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Credentials are the secrets a host holds after enrolling.
type Credentials struct {
	HostID        string    `json:"host_id"`
	TenantID      string    `json:"tenant_id"`
	AccessToken   string    `json:"access_token"`
	RotationToken string    `json:"rotation_token"`
	SigningSecret string    `json:"signing_secret"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Client talks to one hostbeat server. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	newBackOff func() backoff.BackOff
	maxRetries uint64
	now        func() time.Time
	userAgent  string

	mu    sync.Mutex
	creds *Credentials

	// Kept from the last successful Enroll for re-enrolling.
	tenantSecret string
	facts        *domain.HostFacts
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithRetry sets the backoff policy and the number of retries after the
// first attempt.
func WithRetry(newBackOff func() backoff.BackOff, maxRetries uint64) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
		c.maxRetries = maxRetries
	}
}

// WithClock sets the clock used for request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
		newBackOff: defaultBackOff,
		maxRetries: 5,
		now:        time.Now,
		userAgent:  "hostbeat-agent",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0.5
	bo.MaxElapsedTime = 2 * time.Minute
	return bo
}

// SetCredentials installs previously persisted credentials.
func (c *Client) SetCredentials(creds *Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *creds
	c.creds = &cp
}

// Credentials returns a copy of the current credentials, or nil.
func (c *Client) Credentials() *Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		return nil
	}
	cp := *c.creds
	return &cp
}

// Enroll registers the host with the tenant owning tenantSecret and stores
// the returned credentials. Enrolling again with the same fingerprint
// returns the same host.
func (c *Client) Enroll(ctx context.Context, tenantSecret string, facts *domain.HostFacts) (*Credentials, error) {
	body, err := json.Marshal(&domain.EnrollRequest{TenantSecret: tenantSecret, HostFacts: facts})
	if err != nil {
		return nil, fmt.Errorf("encoding enroll request: %w", err)
	}

	var resp domain.EnrollResponse
	err = c.retry(ctx, "enroll", func() error {
		return c.do(ctx, c.newRequest(ctx, "/v1/enroll", body), &resp)
	})
	if err != nil {
		return nil, err
	}

	creds := &Credentials{
		HostID:        resp.HostID,
		TenantID:      resp.TenantID,
		AccessToken:   resp.AccessToken,
		RotationToken: resp.RotationToken,
		SigningSecret: resp.SigningSecret,
		ExpiresAt:     resp.ExpiresAt,
	}
	c.mu.Lock()
	c.creds = creds
	c.tenantSecret = tenantSecret
	c.facts = facts
	c.mu.Unlock()
	c.logger.Info().Str("host_id", creds.HostID).Str("tenant_id", creds.TenantID).Msg("enrolled")
	cp := *creds
	return &cp, nil
}

// Rotate exchanges the rotation token for a new access token and rotation
// token. The signing secret is unchanged.
//
// Rotation tokens are single use and each rotation hands out the next one.
// If the server rotates but the response is lost, the token this client
// holds is already spent and every later attempt gets a 403. In that case
// Rotate re-enrolls with the secret and facts of the last Enroll call,
// which returns the same host and its current rotation token. A client
// whose credentials only came from SetCredentials cannot recover this way
// and returns the 403.
func (c *Client) Rotate(ctx context.Context) (*Credentials, error) {
	creds := c.Credentials()
	if creds == nil {
		return nil, ErrNotEnrolled
	}
	body, err := json.Marshal(&domain.RotateRequest{HostID: creds.HostID, RotationToken: creds.RotationToken})
	if err != nil {
		return nil, fmt.Errorf("encoding rotate request: %w", err)
	}

	var resp domain.RotateResponse
	err = c.retry(ctx, "rotate", func() error {
		return c.do(ctx, c.newRequest(ctx, "/v1/rotate", body), &resp)
	})
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden {
		return c.reenroll(ctx, err)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Another caller may have re-enrolled meanwhile.
	if c.creds != nil && c.creds.HostID == creds.HostID {
		c.creds.AccessToken = resp.AccessToken
		c.creds.RotationToken = resp.RotationToken
		c.creds.ExpiresAt = resp.ExpiresAt
	}
	c.mu.Unlock()

	c.logger.Info().Str("host_id", creds.HostID).Msg("access token rotated")
	return c.Credentials(), nil
}

func (c *Client) reenroll(ctx context.Context, cause error) (*Credentials, error) {
	c.mu.Lock()
	secret, facts := c.tenantSecret, c.facts
	c.mu.Unlock()
	if secret == "" || facts == nil {
		return nil, cause
	}
	c.logger.Warn().Err(cause).Msg("rotation token rejected, re-enrolling")
	creds, err := c.Enroll(ctx, secret, facts)
	if err != nil {
		return nil, fmt.Errorf("re-enrolling after rejected rotation: %w", err)
	}
	return creds, nil
}

// Ingest ships one telemetry batch, gzip-compressed and signed. Every
// attempt carries a fresh nonce and timestamp. A 401 triggers one token
// rotation followed by one more round of attempts.
func (c *Client) Ingest(ctx context.Context, batch *domain.TelemetryBatch) (*domain.IngestResponse, error) {
	if c.Credentials() == nil {
		return nil, ErrNotEnrolled
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encoding batch: %w", err)
	}
	compressed, err := gzipBytes(body)
	if err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}

	resp, err := c.ingest(ctx, body, compressed)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return resp, err
	}

	c.logger.Info().Msg("ingest unauthorized, rotating access token")
	if _, rerr := c.Rotate(ctx); rerr != nil {
		return nil, fmt.Errorf("rotating after 401: %w", rerr)
	}
	return c.ingest(ctx, body, compressed)
}

func (c *Client) ingest(ctx context.Context, body, compressed []byte) (*domain.IngestResponse, error) {
	var resp domain.IngestResponse
	err := c.retry(ctx, "ingest", func() error {
		creds := c.Credentials()
		nonce, err := security.NewNonce()
		if err != nil {
			return backoff.Permanent(err)
		}
		stamp := c.now().UTC().Format(time.RFC3339Nano)

		req := c.newRequest(ctx, "/v1/ingest", compressed)
		req.Header.Set("Content-Encoding", "gzip")
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		req.Header.Set("X-Timestamp", stamp)
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Signature", security.Sign(creds.SigningSecret, stamp, nonce, body))
		return c.do(ctx, req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// retry runs op until it succeeds, fails permanently or the policy gives up.
func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Str("call", what).Dur("retry_in", wait).Msg("request failed, retrying")
	}
	return backoff.RetryNotify(op, bo, notify)
}

func (c *Client) newRequest(ctx context.Context, path string, body []byte) *http.Request {
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	return req
}

// do sends req and decodes a 2xx body into out. Transport errors and 5xx
// answers are retryable; every other failure is permanent.
func (c *Client) do(ctx context.Context, req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope domain.StandardErrorResponse
		if json.Unmarshal(data, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
