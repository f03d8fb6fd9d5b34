package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"redminetojira/utils"
)

// Transport is the HTTP layer shared by the tracker clients. Every request
// waits on the host's rate limiter before it is sent; non-2xx responses are
// turned into *APIError. Retrying is left to the call sites.
type Transport struct {
	httpClient     *http.Client
	limiter        *RateLimiter
	baseHeaders    http.Header
	errorBodyLimit int64
}

// clientHeaders are sent on every request of the tracker clients.
var clientHeaders = http.Header{"User-Agent": []string{"redminetojira"}}

// TransportOption mutates Transport behavior.
type TransportOption func(*Transport)

// NewTransport creates a transport gated by limiter.
func NewTransport(limiter *RateLimiter, opts ...TransportOption) *Transport {
	t := &Transport{
		httpClient:     &http.Client{Timeout: 5 * time.Minute},
		limiter:        limiter,
		baseHeaders:    http.Header{},
		errorBodyLimit: defaultErrorBodyLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// WithHTTPClient injects a custom HTTP client.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(t *Transport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// WithTimeout sets the client-level timeout.
func WithTimeout(timeout time.Duration) TransportOption {
	return func(t *Transport) {
		if timeout > 0 {
			t.httpClient.Timeout = timeout
		}
	}
}

// WithBaseHeaders applies headers to every request unless already present.
func WithBaseHeaders(headers http.Header) TransportOption {
	return func(t *Transport) {
		for key, values := range headers {
			for _, value := range values {
				t.baseHeaders.Add(key, value)
			}
		}
	}
}

// Do sends req after acquiring a rate-limit slot. On a 2xx response the
// caller owns the body; otherwise the body is consumed into an *APIError.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("api: request is nil")
	}

	if err := t.limiter.Acquire(req.Context()); err != nil {
		return nil, err
	}

	for key, values := range t.baseHeaders {
		if req.Header.Get(key) != "" {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	utils.LogDebug("%s %s -> %d", req.Method, req.URL.Redacted(), resp.StatusCode)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()
		return nil, NewAPIError(resp, t.errorBodyLimit)
	}
	return resp, nil
}

// DoJSON sends req and decodes a JSON response into out.
func (t *Transport) DoJSON(req *http.Request, out any) error {
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := t.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
