package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bcnelson/hostbeat/internal/auth"
	"github.com/bcnelson/hostbeat/internal/domain"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echo writes back the body it received.
var echo = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("X-Encoding", r.Header.Get("Content-Encoding"))
	_, _ = w.Write(body)
})

func gzipped(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, b []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(b, nil)
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp domain.StandardErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), rr.Body.String())
	return resp.Error.Code
}

func TestDecompress(t *testing.T) {
	payload := []byte(`{"heartbeat":{"ts":"2024-05-01T12:00:00Z"}}`)
	big := bytes.Repeat([]byte("a"), 2048)

	tests := []struct {
		name     string
		encoding string
		body     []byte
		wantCode int
		wantErr  string
		wantBody []byte
	}{
		{"identity", "", payload, http.StatusOK, "", payload},
		{"explicit identity", "identity", payload, http.StatusOK, "", payload},
		{"gzip", "gzip", gzipped(t, payload), http.StatusOK, "", payload},
		{"x-gzip", "x-gzip", gzipped(t, payload), http.StatusOK, "", payload},
		{"zstd", "zstd", zstded(t, payload), http.StatusOK, "", payload},
		{"upper case", "GZIP", gzipped(t, payload), http.StatusOK, "", payload},
		{"unsupported", "br", payload, http.StatusBadRequest, domain.ErrCodeUnsupportedEncoding, nil},
		{"corrupt gzip", "gzip", []byte("not gzip at all"), http.StatusBadRequest, domain.ErrCodeInvalidInput, nil},
		{"raw too large", "", big, http.StatusRequestEntityTooLarge, domain.ErrCodePayloadTooLarge, nil},
		{"gzip inflates too large", "gzip", gzipped(t, big), http.StatusRequestEntityTooLarge, domain.ErrCodePayloadTooLarge, nil},
		{"zstd inflates too large", "zstd", zstded(t, big), http.StatusRequestEntityTooLarge, domain.ErrCodePayloadTooLarge, nil},
	}

	h := Decompress(1024)(echo)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/ingest", bytes.NewReader(tt.body))
			if tt.encoding != "" {
				req.Header.Set("Content-Encoding", tt.encoding)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, errorCode(t, rr))
				return
			}
			assert.Equal(t, tt.wantBody, rr.Body.Bytes())
			assert.Empty(t, rr.Header().Get("X-Encoding"))
		})
	}
}

func TestDecompressExactLimit(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 1024)
	req := httptest.NewRequest("POST", "/", bytes.NewReader(gzipped(t, body)))
	req.Header.Set("Content-Encoding", "gzip")
	rr := httptest.NewRecorder()

	Decompress(1024)(echo).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, rr.Body.Bytes(), 1024)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"BEARER  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, BearerToken(req), tt.header)
	}
}

func TestBearerSecret(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"match", "s3cret", "Bearer s3cret", http.StatusNoContent},
		{"mismatch", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"unset secret admits nothing", "", "Bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/jobs/offline", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			BearerSecret(tt.secret)(ok).ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

type stubVerifier struct {
	calls int
}

func (s *stubVerifier) VerifyBearer(ctx context.Context, raw string) (*auth.OIDCClaims, error) {
	s.calls++
	if raw == "id-token" {
		return &auth.OIDCClaims{Subject: "123", Email: "admin@example.com"}, nil
	}
	return nil, errors.New("invalid token")
}

func TestAdminAuth(t *testing.T) {
	whoami := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, GetAdminFromContext(r.Context()))
	})

	tests := []struct {
		name      string
		apiKey    string
		verifier  bool
		header    string
		wantCode  int
		wantAdmin string
		wantCalls int
	}{
		{"api key", "key", true, "Bearer key", http.StatusOK, "api-key", 0},
		{"oidc token", "key", true, "Bearer id-token", http.StatusOK, "admin@example.com", 1},
		{"bad token", "key", true, "Bearer other", http.StatusUnauthorized, "", 1},
		{"no header", "key", true, "", http.StatusUnauthorized, "", 0},
		{"oidc disabled", "key", false, "Bearer id-token", http.StatusUnauthorized, "", 0},
		{"empty key never matches", "", false, "Bearer ", http.StatusUnauthorized, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubVerifier{}
			var verifier AdminTokenVerifier
			if tt.verifier {
				verifier = stub
			}
			req := httptest.NewRequest("GET", "/v1/admin/tenants", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			AdminAuth(tt.apiKey, verifier)(whoami).ServeHTTP(rr, req)

			assert.Equal(t, tt.wantCode, rr.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantAdmin, rr.Body.String())
			} else {
				assert.Equal(t, domain.ErrCodeUnauthorized, errorCode(t, rr))
			}
			assert.Equal(t, tt.wantCalls, stub.calls)
		})
	}
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	h := chimw.RequestID(Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inside")
		if strings.HasSuffix(r.URL.Path, "/boom") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, "hello")
	})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/v1/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/boom", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	var inner, ok, failed map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &inner))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ok))
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &failed))

	assert.Equal(t, "inside", inner["message"])
	assert.NotEmpty(t, inner["request_id"])
	assert.Equal(t, inner["request_id"], ok["request_id"])

	assert.Equal(t, "info", ok["level"])
	assert.Equal(t, "/v1/ok", ok["path"])
	assert.Equal(t, 200.0, ok["status"])
	assert.Equal(t, 5.0, ok["bytes"])

	assert.Equal(t, "error", failed["level"])
	assert.Equal(t, "POST", failed["method"])
	assert.Equal(t, 502.0, failed["status"])
}
