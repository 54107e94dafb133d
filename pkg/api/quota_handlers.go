package api

import (
	"net/http"

	"github.com/platinummonkey/meterd/pkg/httputil"
	"github.com/platinummonkey/meterd/pkg/middleware"
)

// ConsumeRequest charges units of a metric. Amount defaults to 1.
type ConsumeRequest struct {
	Metric string `json:"metric"`
	Amount int64  `json:"amount"`
}

// handleConsume admits or denies usage against the caller's monthly quota.
// A denial is 403 with metric, current and limit.
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Metric, "metric") {
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	d, err := s.deps.Ledger.CheckAndConsume(r.Context(), middleware.OrgIDFrom(r.Context()), req.Metric, req.Amount)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	if !d.Allowed {
		httputil.WriteAppError(w, d.Err())
		return
	}
	_ = httputil.WriteSuccess(w, d)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.Usage(r.Context(), middleware.OrgIDFrom(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	_ = httputil.WriteSuccess(w, report)
}
