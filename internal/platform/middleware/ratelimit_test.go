package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func rateLimited(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func requestFrom(e *echo.Echo, ip string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/samples", nil)
	req.RemoteAddr = ip + ":12345"
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	handler := rateLimited(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		c, rec := requestFrom(e, "10.0.0.1")
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	handler := rateLimited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		c, _ := requestFrom(e, "10.0.0.2")
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	c, rec := requestFrom(e, "10.0.0.2")
	err := handler(c)
	if err == nil {
		t.Fatal("expected error for rate-limited request")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	e := echo.New()
	handler := rateLimited(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	c, _ := requestFrom(e, "10.0.0.3")
	if err := handler(c); err != nil {
		t.Fatalf("first client: unexpected error %v", err)
	}
	c, _ = requestFrom(e, "10.0.0.3")
	if err := handler(c); err == nil {
		t.Fatal("first client: expected second request to be limited")
	}
	c, _ = requestFrom(e, "10.0.0.4")
	if err := handler(c); err != nil {
		t.Errorf("second client: expected its own bucket, got %v", err)
	}
}

func TestRateLimit_ZeroRateDisables(t *testing.T) {
	e := echo.New()
	handler := rateLimited(RateLimitConfig{})

	for i := 0; i < 50; i++ {
		c, _ := requestFrom(e, "10.0.0.5")
		if err := handler(c); err != nil {
			t.Fatalf("request %d: expected no limiting, got %v", i+1, err)
		}
	}
}

func TestLimiterStore_EvictsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	store.now = func() time.Time { return now }
	store.lastSweep = now

	store.get("a")
	store.get("b")
	if store.size() != 2 {
		t.Fatalf("expected 2 visitors, got %d", store.size())
	}

	now = now.Add(2 * time.Minute)
	store.get("c")
	if store.size() != 1 {
		t.Errorf("expected idle visitors evicted, got %d", store.size())
	}
}
