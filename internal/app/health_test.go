package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/ratelimit"
)

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingErr = errors.New("database down")

	rr := env.do(t, http.MethodGet, "/api/health", "", nil, "")

	expectStatus(t, rr, http.StatusOK)
	if payload := decodeMap(t, rr); payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
}

func TestReadyEndpointHealthy(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil, "")

	expectStatus(t, rr, http.StatusOK)
	payload := decodeMap(t, rr)
	if payload["status"] != "ready" {
		t.Fatalf("expected status ready, got %v", payload["status"])
	}
	checks, _ := payload["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "ok" {
		t.Fatalf("expected database ok, got %v", checks)
	}
}

func TestReadyEndpointDatabaseDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.pingErr = errors.New("connection refused")

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil, "")

	expectStatus(t, rr, http.StatusServiceUnavailable)
	payload := decodeMap(t, rr)
	if payload["ok"] != false || payload["status"] != "not_ready" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestPreflightAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodOptions, "/api/documents", "", nil, "")

	expectStatus(t, rr, http.StatusNoContent)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected CORS origin *, got %q", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected generated X-Request-ID")
	}
}

func TestUnknownRouteReturnsJSONNotFound(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/nope", "", nil, "")

	expectError(t, rr, http.StatusNotFound, "NOT_FOUND")
}

func TestRateLimiterRejectsAfterBudgetAndSkipsHealth(t *testing.T) {
	env := newTestEnv(t)
	env.server = NewHTTPServer(env.svc, "*").WithRateLimiter(ratelimit.NewMemory(2, time.Minute)).Handler()

	for i := 0; i < 2; i++ {
		expectStatus(t, env.do(t, http.MethodPost, "/api/auth/login", "", nil, ""), http.StatusBadRequest)
	}
	rr := env.do(t, http.MethodPost, "/api/auth/login", "", nil, "")
	expectError(t, rr, http.StatusTooManyRequests, "RATE_LIMITED")
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	expectStatus(t, env.do(t, http.MethodGet, "/api/health", "", nil, ""), http.StatusOK)
}

func TestReadyEndpointReportsExtraChecks(t *testing.T) {
	env := newTestEnv(t)
	env.server = NewHTTPServer(env.svc, "*").
		WithReadyCheck("redis", func(context.Context) error { return nil }).
		WithReadyCheck("file_store", func(context.Context) error { return errors.New("bucket missing") }).
		Handler()

	rr := env.do(t, http.MethodGet, "/api/ready", "", nil, "")

	expectStatus(t, rr, http.StatusServiceUnavailable)
	checks, _ := decodeMap(t, rr)["checks"].(map[string]any)
	redis, _ := checks["redis"].(map[string]any)
	files, _ := checks["file_store"].(map[string]any)
	if redis["status"] != "ok" || files["status"] != "error" || files["error"] != "bucket missing" {
		t.Fatalf("unexpected checks %v", checks)
	}
}
