package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/syncd/internal/gateway"
)

func TestExtractBearerTokenHandlesMissingAndMalformedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if tok := extractBearerToken(req); tok != "" {
		t.Fatalf("expected empty token with no header, got %q", tok)
	}

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if tok := extractBearerToken(req); tok != "" {
		t.Fatalf("expected empty token for non-Bearer scheme, got %q", tok)
	}

	req.Header.Set("Authorization", "Bearer abc123")
	if tok := extractBearerToken(req); tok != "abc123" {
		t.Fatalf("expected abc123, got %q", tok)
	}
}

func TestAuthMiddlewareAllowsMatchingKey(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	mw := AuthMiddleware("secret")(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected next handler to run with matching key")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLoggingMiddlewareCapturesStatusCode(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	mw := LoggingMiddleware(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected 418 to pass through, got %d", rec.Code)
	}
}

func TestRecoveryMiddlewareConvertsPanicToProblemResponse(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	mw := RecoveryMiddleware(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after recovered panic, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("expected problem+json content type, got %q", ct)
	}
}

type fakeGatewayGetter struct {
	err error
}

func (f *fakeGatewayGetter) Get(ctx context.Context, id string) (*gateway.Gateway, error) {
	if f.err != nil {
		return nil, f.err
	}
	return gateway.New(gateway.Config{ID: id}, nil), nil
}

func TestGatewayContextMiddlewareInjectsIDOnSuccess(t *testing.T) {
	var gotID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := GatewayIDFromContext(r.Context())
		if err != nil {
			t.Fatal(err)
		}
		gotID = id
	})

	r := chi.NewRouter()
	r.With(GatewayContextMiddleware(&fakeGatewayGetter{})).Get("/gateways/{gateway_id}/ping", next.ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/gateways/g1/ping", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if gotID != "g1" {
		t.Fatalf("expected gateway id g1 injected into context, got %q", gotID)
	}
}

func TestGatewayContextMiddlewareReturns500WhenPoolFails(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r := chi.NewRouter()
	r.With(GatewayContextMiddleware(&fakeGatewayGetter{err: errors.New("boom")})).
		Get("/gateways/{gateway_id}/ping", next.ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/gateways/g1/ping", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestAdminRateLimiterAllowsBurstThenThrottles(t *testing.T) {
	rl := NewAdminRateLimiter(2, time.Hour) // no refill within the test
	if !rl.Allow() {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow() {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow() {
		t.Fatal("expected third request to be throttled")
	}
}
