package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/platinummonkey/meterd/pkg/contextkeys"
	"github.com/platinummonkey/meterd/pkg/httputil"
	"github.com/platinummonkey/meterd/pkg/observability"
)

// Trusted identity headers set by the upstream authentication layer
const (
	HeaderOrgID     = "X-Org-ID"
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
)

var orgIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

// Identity is the caller as asserted by the upstream auth layer
type Identity struct {
	OrgID     string
	UserID    string
	UserEmail string
}

// IdentityFrom returns the identity stored by IdentityMiddleware
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := contextkeys.Identity(ctx).(*Identity)
	return id
}

// OrgIDFrom returns the caller's org id, empty when unknown
func OrgIDFrom(ctx context.Context) string {
	if id := IdentityFrom(ctx); id != nil {
		return id.OrgID
	}
	return ""
}

// IdentityMiddleware reads the trusted identity headers into the request
// context. Requests without an org header pass through anonymously; an org
// header that is not a plausible identifier is rejected.
//
// MUST run before RequireOrg and the rate limit and quota middleware.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := strings.TrimSpace(r.Header.Get(HeaderOrgID))
		if orgID == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !orgIDPattern.MatchString(orgID) {
			httputil.WriteBadRequest(w, "invalid organization id")
			return
		}

		id := &Identity{
			OrgID:     orgID,
			UserID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
			UserEmail: strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
		}
		ctx := contextkeys.WithIdentity(r.Context(), id)
		ctx = observability.WithOrgID(ctx, id.OrgID)
		if id.UserID != "" {
			ctx = observability.WithUserID(ctx, id.UserID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOrg rejects requests without an organization identity with 401
func RequireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if OrgIDFrom(r.Context()) == "" {
			httputil.WriteUnauthorized(w, "organization identity required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
