package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const defaultErrorBodyLimit int64 = 4096

// Error kinds. An *APIError unwraps to one of these depending on its status.
var (
	ErrAuthentication  = errors.New("authentication failed")
	ErrPermission      = errors.New("permission denied")
	ErrNotFound        = errors.New("not found")
	ErrRequestTimeout  = errors.New("request timeout")
	ErrTooManyRequests = errors.New("too many requests")
	ErrServer          = errors.New("server error")
	ErrBadRequest      = errors.New("bad request")
)

// APIError describes a non-2xx response.
type APIError struct {
	StatusCode int
	Status     string
	Method     string
	URL        string
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %q", e.Method, e.URL, e.StatusCode, e.Body)
}

// Unwrap maps the status code onto the error taxonomy.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return KindForStatus(e.StatusCode)
}

// RetryDelay returns the server-requested delay, if any.
func (e *APIError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.RetryAfter
}

// KindForStatus returns the error kind for an HTTP status, or nil when the
// status has no dedicated kind.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrAuthentication
	case code == http.StatusForbidden:
		return ErrPermission
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusRequestTimeout:
		return ErrRequestTimeout
	case code == http.StatusTooManyRequests:
		return ErrTooManyRequests
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return ErrBadRequest
	case code >= http.StatusInternalServerError:
		return ErrServer
	}
	return nil
}

// NewAPIError builds an APIError from a response and consumes its body.
func NewAPIError(resp *http.Response, maxBodyBytes int64) *APIError {
	if resp == nil {
		return &APIError{}
	}

	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultErrorBodyLimit
	}
	bodyBytes, _ := io.ReadAll(&io.LimitedReader{R: resp.Body, N: maxBodyBytes})

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(bodyBytes),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	if resp.Request != nil {
		apiErr.Method = resp.Request.Method
		apiErr.URL = resp.Request.URL.Redacted()
	}
	return apiErr
}

// IsRetryable reports whether err is worth another attempt: timeouts,
// throttling, 5xx responses and network failures. Cancellation never is.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrTooManyRequests) || errors.Is(err, ErrServer) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// IsFatal reports whether err invalidates every later call of the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

func parseRetryAfter(raw string) time.Duration {
	if raw == "" {
		return 0
	}

	if seconds, err := time.ParseDuration(raw + "s"); err == nil && seconds > 0 {
		return seconds
	}

	if at, err := http.ParseTime(raw); err == nil {
		delay := time.Until(at)
		if delay > 0 {
			return delay
		}
	}

	return 0
}
