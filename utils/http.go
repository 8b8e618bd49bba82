package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	HTTPTimeout = 30 * time.Second
	MaxRetries  = 3
	BaseBackoff = 100 * time.Millisecond
)

// APIError carries the HTTP status code from a REST API response.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// NewHTTPClient creates an HTTP client for a notebook server.
// A non-empty token is sent as "Authorization: token <token>" on every request.
func NewHTTPClient(token string) *http.Client {
	return &http.Client{
		Timeout:   HTTPTimeout,
		Transport: &tokenTransport{token: token, next: http.DefaultTransport},
	}
}

type tokenTransport struct {
	token string
	next  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token == "" {
		return t.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "token "+t.token)
	return t.next.RoundTrip(r)
}

// DoAPI sends an HTTP request and validates the response status code.
// url must be a fully-formed URL (e.g., "https://hub.example/user/x/api/kernels").
// Returns the response body on success. For 204 No Content the body is empty.
func DoAPI(ctx context.Context, hc *http.Client, method, url string, body []byte, expectedStatus int) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	rb, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != expectedStatus {
		return nil, &APIError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("%s %s → %d: %s", method, url, resp.StatusCode, rb),
		}
	}
	return rb, nil
}

// DoJSON is DoAPI with retry, decoding the response body into T.
// in, when non-nil, is marshaled as the request body.
func DoJSON[T any](ctx context.Context, hc *http.Client, method, url string, in any, expectedStatus int) (T, error) {
	var zero T
	body, err := encodeJSON(method, url, in)
	if err != nil {
		return zero, err
	}
	rb, err := DoWithRetry(ctx, func() ([]byte, error) {
		return DoAPI(ctx, hc, method, url, body, expectedStatus)
	})
	if err != nil {
		return zero, err
	}
	return decodeJSON[T](method, url, rb)
}

// SendJSON is DoJSON with a single attempt. Use it for requests that must
// not be repeated, like creating a resource.
func SendJSON[T any](ctx context.Context, hc *http.Client, method, url string, in any, expectedStatus int) (T, error) {
	var zero T
	body, err := encodeJSON(method, url, in)
	if err != nil {
		return zero, err
	}
	rb, err := DoAPI(ctx, hc, method, url, body, expectedStatus)
	if err != nil {
		return zero, err
	}
	return decodeJSON[T](method, url, rb)
}

func encodeJSON(method, url string, in any) ([]byte, error) {
	if in == nil {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request %s %s: %w", method, url, err)
	}
	return b, nil
}

func decodeJSON[T any](method, url string, rb []byte) (T, error) {
	var out T
	if len(rb) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(rb, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s %s: %w", method, url, err)
	}
	return out, nil
}

// DoWithRetry retries fn with exponential backoff for transient errors.
func DoWithRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i <= MaxRetries; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return zero, err
		}
		if i < MaxRetries {
			backoff := BaseBackoff * time.Duration(1<<i)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return zero, lastErr
}

// IsRetryable returns true for transient errors (connection failures, 5xx, 429).
// Context cancellation is never retried.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Code >= 500 || ae.Code == http.StatusTooManyRequests
	}
	// Non-APIError = connection-level failure, always retry.
	return true
}

// IsStatus reports whether err is an APIError with the given HTTP code.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}
