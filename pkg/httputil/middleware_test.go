package httputil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/meterd/pkg/observability"
)

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	handler := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(observability.WithLogger(req.Context(), logger))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "Recovered from handler panic")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/quota/usage", nil)
	req = req.WithContext(observability.WithLogger(req.Context(), logger))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"status":503`)
	assert.Contains(t, out, `"level":"warning"`)
}

func TestMaxBytesMiddleware(t *testing.T) {
	var readErr error
	handler := MaxBytesMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Error(t, readErr)
}
