// Package graph provides an HTTP client for the Microsoft Graph API
// with automatic retry, rate limiting, and error classification.
package graph

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status classification. Check with
// errors.Is(err, graph.ErrNotFound) rather than comparing *GraphError
// fields directly.
var (
	ErrBadRequest   = errors.New("graph: bad request")
	ErrUnauthorized = errors.New("graph: unauthorized")
	ErrForbidden    = errors.New("graph: forbidden")
	ErrNotFound     = errors.New("graph: not found")
	ErrConflict     = errors.New("graph: conflict")
	ErrGone         = errors.New("graph: resource gone")
	ErrThrottled    = errors.New("graph: throttled")
	ErrLocked       = errors.New("graph: resource locked")
	ErrServerError  = errors.New("graph: server error")
	ErrNotLoggedIn  = errors.New("graph: not logged in")
)

// GraphError carries the HTTP status, request ID, and API error message
// behind a sentinel error, so callers get both errors.Is classification and
// the raw detail for logging.
type GraphError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error
}

func (e *GraphError) Error() string {
	if e.RequestID == "" {
		return fmt.Sprintf("graph: HTTP %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("graph: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// statusSentinels maps the HTTP status codes with a dedicated sentinel to
// that sentinel. Anything else falls through to classifyStatus's own
// 5xx-range check.
var statusSentinels = map[int]error{
	http.StatusBadRequest:      ErrBadRequest,
	http.StatusUnauthorized:    ErrUnauthorized,
	http.StatusForbidden:       ErrForbidden,
	http.StatusNotFound:        ErrNotFound,
	http.StatusConflict:        ErrConflict,
	http.StatusGone:            ErrGone,
	http.StatusTooManyRequests: ErrThrottled,
	http.StatusLocked:          ErrLocked,
}

// classifyStatus maps an HTTP status code to a sentinel error, or nil for
// success codes and anything else with no dedicated classification.
func classifyStatus(code int) error {
	if sentinel, ok := statusSentinels[code]; ok {
		return sentinel
	}

	if code >= http.StatusInternalServerError {
		return ErrServerError
	}

	return nil
}

// statusBandwidthExceeded is SharePoint's 509 Bandwidth Limit Exceeded,
// outside the standard net/http status constants.
const statusBandwidthExceeded = 509

// retryableStatuses is the set of HTTP status codes worth retrying — all
// of them transient server/network conditions rather than client errors.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	statusBandwidthExceeded:        true,
}

// isRetryable reports whether code is worth a retry. Callers should still
// check Retry-After on a 429 before computing their own backoff.
func isRetryable(code int) bool {
	return retryableStatuses[code]
}
