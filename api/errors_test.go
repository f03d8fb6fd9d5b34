package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, ErrAuthentication},
		{http.StatusForbidden, ErrPermission},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusRequestTimeout, ErrRequestTimeout},
		{http.StatusTooManyRequests, ErrTooManyRequests},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnprocessableEntity, ErrBadRequest},
		{http.StatusInternalServerError, ErrServer},
		{http.StatusBadGateway, ErrServer},
		{http.StatusConflict, nil},
	}
	for _, tt := range tests {
		if got := KindForStatus(tt.code); got != tt.want {
			t.Fatalf("status %d: expected %v, got %v", tt.code, tt.want, got)
		}
	}
}

func TestAPIErrorUnwrapsToKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("create issue: %w", &APIError{StatusCode: http.StatusUnauthorized})
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected wrapped 401 to match ErrAuthentication")
	}
	if !IsFatal(err) {
		t.Fatalf("expected 401 to be fatal")
	}
	if IsRetryable(err) {
		t.Fatalf("expected 401 not to be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout status", &APIError{StatusCode: http.StatusRequestTimeout}, true},
		{"throttled", &APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"server", &APIError{StatusCode: http.StatusServiceUnavailable}, true},
		{"not found", &APIError{StatusCode: http.StatusNotFound}, false},
		{"bad request", &APIError{StatusCode: http.StatusBadRequest}, false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestNewAPIErrorReadsRetryAfterAndLimitsBody(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest(http.MethodGet, "https://jira.example.com/rest/api/2/myself", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Status:     "429 Too Many Requests",
		Header:     http.Header{"Retry-After": []string{"7"}},
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", 64))),
		Request:    req,
	}

	apiErr := NewAPIError(resp, 10)
	if apiErr.RetryDelay() != 7*time.Second {
		t.Fatalf("expected 7s retry delay, got %s", apiErr.RetryDelay())
	}
	if len(apiErr.Body) != 10 {
		t.Fatalf("expected body limited to 10 bytes, got %d", len(apiErr.Body))
	}
	if apiErr.Method != http.MethodGet || !strings.Contains(apiErr.URL, "/myself") {
		t.Fatalf("unexpected request info: %s %s", apiErr.Method, apiErr.URL)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	if got := parseRetryAfter(""); got != 0 {
		t.Fatalf("empty header: expected 0, got %s", got)
	}
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("seconds: expected 3s, got %s", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("garbage: expected 0, got %s", got)
	}
	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(future); got <= 0 || got > time.Minute {
		t.Fatalf("http date: unexpected delay %s", got)
	}
}
