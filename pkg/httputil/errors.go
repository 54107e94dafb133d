package httputil

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/meterd/pkg/apperr"
)

// StatusForKind maps an error kind to its HTTP status
func StatusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidPlan, apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindQuotaExceeded:
		return http.StatusForbidden
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindMalformedNotification:
		// acknowledged so the provider stops redelivering
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// AppErrorResponse is the body written for *apperr.Error values
type AppErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Metric  string `json:"metric,omitempty"`
	Current *int64 `json:"current,omitempty"`
	Limit   *int64 `json:"limit,omitempty"`
}

// WriteAppError writes err with the status of its kind. Denials carry the
// metric, current and limit. Unknown and unavailable errors do not leak
// their cause.
func WriteAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := StatusForKind(kind)

	resp := AppErrorResponse{Error: kind.String(), Kind: kind.String()}
	var e *apperr.Error
	if errors.As(err, &e) {
		switch kind {
		case apperr.KindQuotaExceeded, apperr.KindRateLimited:
			current, limit := e.Current, e.Limit
			resp.Metric, resp.Current, resp.Limit = e.Metric, &current, &limit
			resp.Message = e.Message
		case apperr.KindUnavailable, apperr.KindUnknown:
		default:
			resp.Message = e.Message
		}
	}
	if kind == apperr.KindUnknown {
		resp.Error, resp.Kind = "internal error", ""
	}
	_ = WriteJSON(w, status, resp)
}
