package platform

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// DoWithRetry issues an HTTP request with the bounded retry policy shared
// by adapters talking to rate-limited remote APIs:
//
//   - network errors and 5xx retry up to maxAttempts with a short backoff
//   - 429 triggers exactly one retry
//   - 401/403/404 (and other 4xx) never retry
//
// newReq must build a fresh request each attempt so bodies can be re-read.
func DoWithRetry(ctx context.Context, client *http.Client, newReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	retried429 := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := client.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			slog.Debug("request failed", "attempt", attempt, "error", err)
		} else {
			retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
			if resp.StatusCode == http.StatusTooManyRequests {
				if retried429 {
					return resp, nil
				}
				retried429 = true
			}
			// Success and non-retryable client errors (401/403/404
			// included) go straight back to the caller, as does whatever
			// the final attempt produced.
			if !retryable || attempt == maxAttempts {
				return resp, nil
			}
			resp.Body.Close()
			slog.Debug("retryable response from remote API", "attempt", attempt, "status", resp.StatusCode)
			lastErr = nil
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
	}
	return nil, lastErr
}
