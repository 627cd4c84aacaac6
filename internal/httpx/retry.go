package httpx

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// MaxRetries is the number of extra attempts DoWithRetry makes.
const MaxRetries = 3

// RetryableError is a transient HTTP failure (5xx or 429).
type RetryableError struct {
	StatusCode int
	Body       string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// backoff is swapped in tests.
var backoff = func(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
	return base + jitter
}

// DoWithRetry executes a request with exponential backoff on network
// failures, 5xx and 429. Other statuses are returned to the caller as is.
func DoWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < MaxRetries {
				logger.Warn("request failed, will retry", "url", req.URL.String(), "err", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", MaxRetries, err)
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &RetryableError{StatusCode: resp.StatusCode, Body: string(body)}
			if attempt < MaxRetries {
				logger.Warn("server error, will retry", "url", req.URL.String(), "status", resp.StatusCode)
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", MaxRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}
