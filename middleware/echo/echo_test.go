package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/godonate/pkg/ratelimit"
)

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string, ratelimit.Config) (bool, *ratelimit.Info, error) {
	return false, nil, errors.New("connection refused")
}

func onePerMinute() ratelimit.Config {
	return ratelimit.Config{Algorithm: ratelimit.AlgorithmSlidingWindow, Rate: 1, Window: time.Minute}
}

func newTestEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(RateLimit(cfg))
	e.GET("/ping", func(c echo.Context) error { return c.String(http.StatusOK, "pong") })
	return e
}

func serve(e *echo.Echo, method, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	req.RemoteAddr = "10.1.1.1:4000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_Success(t *testing.T) {
	e := newTestEcho(Config{Limiter: ratelimit.NewMemoryLimiter(), Limit: onePerMinute()})

	rec := serve(e, http.MethodGet, "/ping", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Header().Get(ratelimit.HeaderRemaining) != "0" {
		t.Errorf("Expected remaining 0, got %q", rec.Header().Get(ratelimit.HeaderRemaining))
	}
}

func TestRateLimit_Exceeded(t *testing.T) {
	e := newTestEcho(Config{Limiter: ratelimit.NewMemoryLimiter(), Limit: onePerMinute()})

	serve(e, http.MethodGet, "/ping", nil)
	rec := serve(e, http.MethodGet, "/ping", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}
	if rec.Header().Get(ratelimit.HeaderRetryAfter) == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestRateLimit_PerHeaderKey(t *testing.T) {
	e := newTestEcho(Config{
		Limiter: ratelimit.NewMemoryLimiter(),
		Limit:   onePerMinute(),
		GetKey:  FromHeader("X-Account"),
	})

	if rec := serve(e, http.MethodGet, "/ping", map[string]string{"X-Account": "a"}); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for a, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/ping", map[string]string{"X-Account": "b"}); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for b, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/ping", map[string]string{"X-Account": "a"}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 for a, got %d", rec.Code)
	}
}

func TestRateLimit_LimiterError(t *testing.T) {
	closed := newTestEcho(Config{Limiter: errLimiter{}, Limit: onePerMinute()})
	if rec := serve(closed, http.MethodGet, "/ping", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}

	open := newTestEcho(Config{Limiter: errLimiter{}, Limit: onePerMinute(), FailOpen: true})
	if rec := serve(open, http.MethodGet, "/ping", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	custom := newTestEcho(Config{
		Limiter: errLimiter{},
		Limit:   onePerMinute(),
		OnError: func(c echo.Context, _ error) error { return c.NoContent(http.StatusBadGateway) },
	})
	if rec := serve(custom, http.MethodGet, "/ping", nil); rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rec.Code)
	}
}

func TestRateLimit_CustomExceeded(t *testing.T) {
	e := newTestEcho(Config{
		Limiter: ratelimit.NewMemoryLimiter(),
		Limit:   onePerMinute(),
		OnLimitExceeded: func(c echo.Context, info *ratelimit.Info) error {
			return c.JSON(http.StatusTooManyRequests, map[string]int{"limit": info.Limit})
		},
	})
	serve(e, http.MethodGet, "/ping", nil)
	rec := serve(e, http.MethodGet, "/ping", nil)
	if rec.Code != http.StatusTooManyRequests || rec.Body.String() != "{\"limit\":1}\n" {
		t.Fatalf("Unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestRateLimit_PanicsWithoutLimiter(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Expected panic for missing limiter")
		}
	}()
	RateLimit(Config{Limit: onePerMinute()})
}

func TestMount(t *testing.T) {
	var paths []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	})

	e := echo.New()
	Mount(e, inner, RateLimit(Config{Limiter: ratelimit.NewMemoryLimiter(), Limit: onePerMinute(), Scope: "api"}))

	if rec := serve(e, http.MethodPost, "/webhooks/stripe", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodPost, "/donations/checkout", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected mounted middleware to limit, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/healthz", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("Expected healthz to bypass the limit, got %d", rec.Code)
	}
	if len(paths) != 2 || paths[0] != "/webhooks/stripe" || paths[1] != "/healthz" {
		t.Errorf("Unexpected forwarded paths %v", paths)
	}
}
