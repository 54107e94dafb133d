package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error
type Kind int

const (
	// KindUnknown is reported for errors that did not originate in this module
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidPlan
	KindInvalidArgument
	KindQuotaExceeded
	KindRateLimited
	KindUnauthenticated
	KindUnavailable
	KindMalformedNotification
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindNotFound:              "not_found",
	KindInvalidPlan:           "invalid_plan",
	KindInvalidArgument:       "invalid_argument",
	KindQuotaExceeded:         "quota_exceeded",
	KindRateLimited:           "rate_limited",
	KindUnauthenticated:       "unauthenticated",
	KindUnavailable:           "unavailable",
	KindMalformedNotification: "malformed_notification",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the structured error type returned across package boundaries
type Error struct {
	Kind    Kind
	Op      string
	Message string

	// Populated for KindQuotaExceeded and KindRateLimited
	Metric  string
	Current int64
	Limit   int64

	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Kind == KindQuotaExceeded || e.Kind == KindRateLimited {
		msg = fmt.Sprintf("%s (metric=%s current=%d limit=%d)", msg, e.Metric, e.Current, e.Limit)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind and operation to an underlying error.
// Wrapping nil returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Unavailable wraps a datastore or provider I/O failure
func Unavailable(op string, err error) error {
	return Wrap(KindUnavailable, op, err)
}

// QuotaExceeded builds a denial error for the quota ledger
func QuotaExceeded(metric string, current, limit int64) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Message: "quota exceeded",
		Metric:  metric,
		Current: current,
		Limit:   limit,
	}
}

// RateLimited builds a denial error for the rate limiter
func RateLimited(bucket string, current, limit int64) *Error {
	return &Error{
		Kind:    KindRateLimited,
		Message: "rate limit exceeded",
		Metric:  bucket,
		Current: current,
		Limit:   limit,
	}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As extracts the *Error from err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
