package api

import (
	"net/http"
	"time"

	"github.com/platinummonkey/meterd/pkg/httputil"
	"github.com/platinummonkey/meterd/pkg/middleware"
)

// RateCheckRequest checks one call against a caller-defined window. Key is
// scoped to the caller's organization: an empty key checks the organization
// itself, any other key becomes a sub-key of it.
type RateCheckRequest struct {
	Key           string `json:"key"`
	Bucket        string `json:"bucket"`
	Limit         int64  `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
}

func (s *Server) handleRateLimitCheck(w http.ResponseWriter, r *http.Request) {
	var req RateCheckRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Key = scopedRateKey(middleware.OrgIDFrom(r.Context()), req.Key)
	if !httputil.ValidateAll(w,
		func() (bool, string) { return req.Bucket != "", "bucket is required" },
		func() (bool, string) { return req.Limit > 0, "limit must be positive" },
		func() (bool, string) { return req.WindowSeconds > 0, "window_seconds must be positive" },
	) {
		return
	}

	d, err := s.deps.Limiter.Check(r.Context(), req.Key, req.Bucket, req.Limit, time.Duration(req.WindowSeconds)*time.Second)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	middleware.SetRateLimitHeaders(w, d)
	if !d.Allowed {
		middleware.WriteRateLimited(w, d)
		return
	}
	_ = httputil.WriteSuccess(w, d)
}

// scopedRateKey keeps caller keys inside the caller's namespace so one
// organization can never charge another organization's buckets.
func scopedRateKey(orgID, key string) string {
	scoped := "org:" + orgID
	if key == "" {
		return scoped
	}
	return scoped + ":" + key
}
