package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/kjstillabower/prediction-subnet/internal/circuitbreaker"
	"github.com/kjstillabower/prediction-subnet/internal/observability"
)

var (
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrBadRequest      = errors.New("bad request")
	ErrNoData          = errors.New("no data")
)

// Options tune the shared retrying transport used by the market data clients.
type Options struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultOptions returns the retry settings used when none are configured.
func DefaultOptions(timeout time.Duration) Options {
	return Options{
		Timeout:        timeout,
		RetryAttempts:  3,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  2 * time.Second,
	}
}

// fetcher performs GET requests against one upstream with retry, backoff and an optional breaker.
type fetcher struct {
	upstream string
	opts     Options
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

func newFetcher(upstream string, opts Options) *fetcher {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	return &fetcher{
		upstream: upstream,
		opts:     opts,
		client:   &http.Client{Timeout: opts.Timeout},
	}
}

// getJSON fetches rawURL and decodes the body into out, retrying retryable failures.
func (f *fetcher) getJSON(ctx context.Context, rawURL string, out any) error {
	var lastErr error

	for attempt := 0; attempt < f.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(f.upstream).Inc()
			delay := f.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := f.call(ctx, rawURL, out)
		if err == nil {
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (f *fetcher) call(ctx context.Context, rawURL string, out any) error {
	if f.breaker == nil {
		return f.do(ctx, rawURL, out)
	}
	return f.breaker.Call(ctx, func(ctx context.Context) error {
		return f.do(ctx, rawURL, out)
	})
}

func (f *fetcher) do(ctx context.Context, rawURL string, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		observability.RecordUpstreamCall(f.upstream, "error", time.Since(start))
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		observability.RecordUpstreamCall(f.upstream, "error", time.Since(start))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	observability.RecordUpstreamCall(f.upstream, statusLabel(resp.StatusCode), time.Since(start))

	if err := handleErrorResponse(resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded")
}

func (f *fetcher) calculateBackoff(attempt int) time.Duration {
	delay := float64(f.opts.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(f.opts.RetryMaxDelay) {
		delay = float64(f.opts.RetryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusBadRequest, http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d", ErrBadRequest, resp.StatusCode)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}

	return nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
