package bybit

import (
	"errors"
	"fmt"
	"net/http"
)

// TransportError wraps network-level failures (DNS, timeouts, refused
// connections) and open-breaker rejections. Always retryable.
type TransportError struct {
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error on %s: %v", e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-OK HTTP status or a non-zero v5 retCode.
type APIError struct {
	HTTPStatus int
	RetCode    int
	RetMsg     string
	Path       string
}

func (e *APIError) Error() string {
	if e.RetCode != 0 {
		return fmt.Sprintf("bybit api error on %s: retCode=%d retMsg=%q", e.Path, e.RetCode, e.RetMsg)
	}
	return fmt.Sprintf("bybit http error on %s: status=%d", e.Path, e.HTTPStatus)
}

// Auth/permission retCodes. These never succeed on retry.
var fatalRetCodes = map[int]bool{
	10003: true, // invalid api key
	10004: true, // signature error
	10005: true, // permission denied
	10007: true, // user banned
	10010: true, // ip mismatch
	33004: true, // api key expired
}

// Rate-limit and server-side retCodes worth retrying.
var transientRetCodes = map[int]bool{
	10002: true, // timestamp outside recv window
	10006: true, // rate limit
	10016: true, // internal server error
	10018: true, // ip rate limit
}

// IsAuthError reports whether the error is an authentication or permission
// failure.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus == http.StatusUnauthorized || apiErr.HTTPStatus == http.StatusForbidden {
			return true
		}
		return fatalRetCodes[apiErr.RetCode]
	}
	return false
}

// isRetryable classifies errors for the client's internal retry loop.
func isRetryable(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus >= 500 || apiErr.HTTPStatus == http.StatusTooManyRequests {
			return true
		}
		return transientRetCodes[apiErr.RetCode]
	}
	return false
}

// IsTransient reports whether the error class is worth retrying at a higher
// level (next cycle). Fatal auth errors and malformed payloads are not.
func IsTransient(err error) bool {
	return isRetryable(err)
}
