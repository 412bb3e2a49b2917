package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Decompress replaces the request body with its decoded form according to
// Content-Encoding (gzip, zstd or identity). Bodies larger than maxBytes,
// before or after decoding, are rejected with 413.
func Decompress(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := readBody(w, r, maxBytes)
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrPayloadTooLarge):
					writeError(w, http.StatusRequestEntityTooLarge, domain.ErrCodePayloadTooLarge, "payload too large")
				case errors.Is(err, domain.ErrUnsupportedEncoding):
					writeError(w, http.StatusBadRequest, domain.ErrCodeUnsupportedEncoding, "unsupported content encoding")
				default:
					writeError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "unreadable request body")
				}
				return
			}

			r.Header.Del("Content-Encoding")
			r.Header.Set("Content-Length", strconv.Itoa(len(body)))
			r.ContentLength = int64(len(body))
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	var src io.Reader = http.MaxBytesReader(w, r.Body, maxBytes)

	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, wrapReadError(err)
		}
		defer zr.Close()
		src = zr
	case "zstd":
		zr, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(uint64(maxBytes)+1))
		if err != nil {
			return nil, wrapReadError(err)
		}
		defer zr.Close()
		src = zr
	default:
		return nil, domain.ErrUnsupportedEncoding
	}

	body, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		return nil, wrapReadError(err)
	}
	if int64(len(body)) > maxBytes {
		return nil, domain.ErrPayloadTooLarge
	}
	return body, nil
}

func wrapReadError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) ||
		errors.Is(err, zstd.ErrDecoderSizeExceeded) ||
		errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return domain.ErrPayloadTooLarge
	}
	return err
}
