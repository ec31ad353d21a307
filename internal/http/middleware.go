package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/prediction-subnet/internal/keys"
	"github.com/kjstillabower/prediction-subnet/internal/observability"
	"github.com/kjstillabower/prediction-subnet/internal/traffic"
)

func CorrelationIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-ID")
			if corrID == "" {
				corrID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), "correlation_id", corrID)
			w.Header().Set("X-Correlation-ID", corrID)

			logger := logger.With(zap.String("correlation_id", corrID))
			ctx = context.WithValue(ctx, "logger", logger)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		observability.HTTPRequestsInFlight.Inc()
		globalInFlightTracker.Increment()
		defer func() {
			observability.HTTPRequestsInFlight.Dec()
			globalInFlightTracker.Decrement()
		}()

		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		duration := time.Since(start).Seconds()
		route := getRoute(r)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCodeString(recorder.statusCode)).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
	})
}

// getRoute returns the matched route template so path parameters do not explode label cardinality.
func getRoute(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func statusCodeString(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// TimeoutMiddleware sets a deadline on the request context. When exceeded, downstream handlers
// receive context.DeadlineExceeded. Apply only to routes that need it (e.g. /method/generate).
func TimeoutMiddleware(timeout time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPRateLimiter keeps one token bucket per client IP. Buckets idle longer than idleTTL are dropped
// by Cleanup.
type IPRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*ipBucket
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a limiter refilling refillPerSec tokens per second up to burst.
func NewIPRateLimiter(refillPerSec float64, burst int, idleTTL time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		buckets: make(map[string]*ipBucket),
		limit:   rate.Limit(refillPerSec),
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow consumes a token from ip's bucket.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Cleanup drops buckets not used within idleTTL and returns how many were removed.
func (l *IPRateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
			removed++
		}
	}
	return removed
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (l *IPRateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// RateLimitMiddleware returns 429 when the caller's token bucket is exhausted. Disabled when limiter is nil.
func RateLimitMiddleware(limiter *IPRateLimiter) mux.MiddlewareFunc {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.Allow(ip) {
				if logger := loggerFromRequest(r); logger != nil {
					logger.Debug("rate limit denied", zap.String("ip", ip))
				}
				traffic.RecordDenied()
				observability.RateLimitDeniedTotal.Inc()
				writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// MembershipChecker reports whether a key is a registered module of a subnet.
type MembershipChecker interface {
	IsRegistered(ctx context.Context, netuid int, key string) (bool, error)
}

// AuthConfig configures SignatureMiddleware.
type AuthConfig struct {
	MaxSkew time.Duration
	// Whitelist lists netuids whose registered modules may call. Empty allows any valid signer.
	Whitelist []int
	Members   MembershipChecker
	Now       func() time.Time
}

// SignatureMiddleware verifies the request signature and, when a whitelist is configured, that
// the signer is registered on one of the whitelisted subnets. The verified key is stored in the
// request context under "caller_key" and the body is restored for the handler.
func SignatureMiddleware(cfg AuthConfig) mux.MiddlewareFunc {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "unable to read body")
				return
			}
			_ = r.Body.Close()

			caller, err := keys.VerifyRequest(r, body, cfg.MaxSkew, now())
			if err != nil {
				reason := "bad_signature"
				switch {
				case errors.Is(err, keys.ErrMissingSignature):
					reason = "missing_signature"
				case errors.Is(err, keys.ErrStaleTimestamp):
					reason = "stale_timestamp"
				}
				observability.AuthRejectedTotal.WithLabelValues(reason).Inc()
				if logger := loggerFromRequest(r); logger != nil {
					logger.Debug("signature rejected", zap.String("reason", reason), zap.Error(err))
				}
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing request signature")
				return
			}

			if len(cfg.Whitelist) > 0 && cfg.Members != nil {
				allowed, err := isWhitelisted(r.Context(), cfg, caller)
				if err != nil {
					observability.AuthRejectedTotal.WithLabelValues("registry_error").Inc()
					if logger := loggerFromRequest(r); logger != nil {
						logger.Warn("whitelist lookup failed", zap.Error(err))
					}
					writeError(w, r, http.StatusServiceUnavailable, "REGISTRY_UNAVAILABLE", "unable to verify caller")
					return
				}
				if !allowed {
					observability.AuthRejectedTotal.WithLabelValues("not_whitelisted").Inc()
					writeError(w, r, http.StatusForbidden, "FORBIDDEN", "caller is not registered on a whitelisted subnet")
					return
				}
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), "caller_key", caller)
			if logger := loggerFromRequest(r); logger != nil {
				ctx = context.WithValue(ctx, "logger", logger.With(zap.String("caller_key", caller)))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// isWhitelisted reports an error only when no whitelisted subnet could be checked.
func isWhitelisted(ctx context.Context, cfg AuthConfig, caller string) (bool, error) {
	var lastErr error
	checked := false
	for _, netuid := range cfg.Whitelist {
		ok, err := cfg.Members.IsRegistered(ctx, netuid, caller)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return true, nil
		}
		checked = true
	}
	if checked {
		return false, nil
	}
	return false, lastErr
}

// callerKey returns the verified signer stored by SignatureMiddleware.
func callerKey(r *http.Request) string {
	k, _ := r.Context().Value("caller_key").(string)
	return k
}
