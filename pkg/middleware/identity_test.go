package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/meterd/pkg/observability"
)

func TestIdentityMiddleware(t *testing.T) {
	var got *Identity
	capture := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = IdentityFrom(r.Context())
		assert.Equal(t, OrgIDFrom(r.Context()), observability.GetOrgID(r.Context()))
	})

	tests := []struct {
		name    string
		headers map[string]string
		status  int
		want    *Identity
	}{
		{
			name:    "full identity",
			headers: map[string]string{HeaderOrgID: "org-1", HeaderUserID: "user-1", HeaderUserEmail: "a@example.com"},
			status:  http.StatusOK,
			want:    &Identity{OrgID: "org-1", UserID: "user-1", UserEmail: "a@example.com"},
		},
		{
			name:    "anonymous",
			headers: map[string]string{},
			status:  http.StatusOK,
		},
		{
			name:    "malformed org id",
			headers: map[string]string{HeaderOrgID: "org 1; drop"},
			status:  http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			IdentityMiddleware(capture).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequireOrg(t *testing.T) {
	handler := IdentityMiddleware(RequireOrg(okHandler))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, withOrg(httptest.NewRequest(http.MethodGet, "/", nil), "org-1"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(HeaderRequestID))

	inbound := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, inbound)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, inbound, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "not-a-uuid\nx")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, "not-a-uuid\nx", seen)
}
