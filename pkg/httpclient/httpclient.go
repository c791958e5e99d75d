// Package httpclient fetches JSON resources over HTTP with retries.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	maxTries       = 3
	initialBackoff = 200 * time.Millisecond
	maxBodyBytes   = 32 << 20
)

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// GetResource GETs baseURL+endpoint and decodes the JSON body into T.
// Any status outside okCodes is an error. Server errors and 429s are
// retried with exponential backoff.
func GetResource[T any](ctx context.Context, client *http.Client, baseURL, endpoint string, okCodes []int) (T, error) {
	url := baseURL + endpoint

	op := func() (T, error) {
		var zero T

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return zero, backoff.Permanent(fmt.Errorf("couldn't create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return zero, fmt.Errorf("couldn't do request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return zero, fmt.Errorf("couldn't read response body: %w", err)
		}

		if !slices.Contains(okCodes, resp.StatusCode) {
			statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
			if statusErr.Retryable() {
				return zero, statusErr
			}
			return zero, backoff.Permanent(statusErr)
		}

		var resource T
		if err := json.Unmarshal(body, &resource); err != nil {
			return zero, backoff.Permanent(fmt.Errorf("couldn't decode response: %w", err))
		}
		return resource, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxTries),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
