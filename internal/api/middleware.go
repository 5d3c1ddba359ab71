package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/syncd/internal/gateway"
)

// GetRequestID extracts the request ID assigned by chi's RequestID
// middleware.
func GetRequestID(ctx context.Context) string {
	return middleware.GetReqID(ctx)
}

// logLevelForStatus returns the appropriate log level for an HTTP status.
func logLevelForStatus(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// extractBearerToken extracts the token from the Authorization header.
// Returns empty string for missing/malformed headers.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}

	return strings.TrimSpace(auth[len(prefix):])
}

// constantTimeEqual compares two strings in constant time to prevent
// timing attacks against the API key.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// AuthMiddleware validates a bearer token with constant-time comparison.
// Writes a 401 Problem Details response on failure. Never logs the
// expected API key.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if !constantTimeEqual(token, apiKey) {
				slog.Warn("auth failure",
					"component", "api", "path", r.URL.Path, "method", r.Method, "remote_addr", r.RemoteAddr,
				)
				WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware logs each request with structured fields: INFO for
// 2xx/3xx, WARN for 4xx, ERROR for 5xx.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		level := logLevelForStatus(wrapped.statusCode)
		slog.Log(r.Context(), level, "request completed",
			"component", "api",
			"request_id", GetRequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware catches panics and responds with a 500 Problem
// Details body instead of letting them escape as a bare connection reset.
// Panic detail is logged, never returned to the caller.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				slog.Error("panic recovered",
					"component", "api",
					"error", recovered,
					"stack", string(debug.Stack()),
					"path", r.URL.Path,
					"method", r.Method,
				)
				WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// GatewayGetter is the subset of gatewaypool.Pool the context middleware
// needs, letting tests supply a fake pool.
type GatewayGetter interface {
	Get(ctx context.Context, id string) (*gateway.Gateway, error)
}

// GatewayContextMiddleware resolves the gateway named by the {gateway_id}
// URL param, lazily creating it via pool.Get, and injects the ID into the
// request context; handlers fetch the gateway itself through their own pool
// reference. 400 on a malformed ID, 500 if the pool fails to build one.
func GatewayContextMiddleware(pool GatewayGetter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawID := chi.URLParam(r, "gateway_id")

			id, err := url.PathUnescape(rawID)
			if err != nil {
				WriteProblem(w, r, http.StatusBadRequest, "Invalid gateway id encoding")
				return
			}
			if id == "" {
				WriteProblem(w, r, http.StatusBadRequest, "gateway id is required")
				return
			}

			if _, err := pool.Get(r.Context(), id); err != nil {
				slog.Error("gateway context middleware error", "component", "api", "gateway_id", id, "error", err)
				WriteProblem(w, r, http.StatusInternalServerError, "Internal error")
				return
			}

			ctx := WithGatewayID(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminRateLimiter rate-limits sensitive admin operations (gateway
// deletion) with a simple token bucket, the same shape as the teacher's
// DeleteRateLimiter.
type AdminRateLimiter struct {
	tokens     int
	maxTokens  int
	refillRate time.Duration
	lastRefill time.Time
	mu         sync.Mutex
}

// NewAdminRateLimiter creates a rate limiter allowing maxTokens requests,
// refilling one token per refillRate.
func NewAdminRateLimiter(maxTokens int, refillRate time.Duration) *AdminRateLimiter {
	return &AdminRateLimiter{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Middleware rate-limits requests, responding 429 when exhausted.
func (rl *AdminRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow() {
			slog.Warn("rate limit exceeded",
				"component", "api", "path", r.URL.Path, "method", r.Method,
				"remote_addr", r.RemoteAddr, "request_id", GetRequestID(r.Context()),
			)
			w.Header().Set("Retry-After", "1")
			WriteProblem(w, r, http.StatusTooManyRequests,
				"Rate limit exceeded. Please retry after the indicated interval.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether a request is allowed under the current rate limit.
func (rl *AdminRateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	tokensToAdd := int(now.Sub(rl.lastRefill) / rl.refillRate)
	if tokensToAdd > 0 {
		rl.tokens = min(rl.tokens+tokensToAdd, rl.maxTokens)
		rl.lastRefill = now
	}

	if rl.tokens > 0 {
		rl.tokens--
		return true
	}
	return false
}
