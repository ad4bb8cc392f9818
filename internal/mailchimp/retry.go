package mailchimp

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// HTTPDoer executes HTTP requests. *http.Client and *RetryDoer satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryDoer retries transient failures (429, 5xx, transport errors) with
// exponential backoff and full jitter. The final attempt's response is
// returned as-is so the caller can decode the error document.
type RetryDoer struct {
	client     HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// NewRetryDoer wraps client. A nil client gets a 30s-timeout http.Client.
func NewRetryDoer(client HTTPDoer, maxRetries int, logger *slog.Logger) *RetryDoer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RetryDoer{
		client:     client,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   10 * time.Second,
		logger:     logger,
	}
}

// Do executes req, retrying transient failures
func (d *RetryDoer) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("reset request body: %w", err)
				}
				req.Body = body
			}

			delay := d.delay(attempt)
			d.logger.Debug("retrying mailchimp request",
				"attempt", attempt,
				"max_retries", d.maxRetries,
				"method", req.Method,
				"path", req.URL.Path,
				"delay", delay,
			)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !retryableStatus(resp.StatusCode) || attempt == d.maxRetries {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("mailchimp returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

func (d *RetryDoer) delay(attempt int) time.Duration {
	exp := float64(d.baseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(d.maxDelay) {
		exp = float64(d.maxDelay)
	}
	jittered := time.Duration(rand.Float64() * exp)
	if jittered < 50*time.Millisecond {
		jittered = 50 * time.Millisecond
	}
	return jittered
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
