package gin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/godonate/pkg/ratelimit"
)

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string, ratelimit.Config) (bool, *ratelimit.Info, error) {
	return false, nil, errors.New("limiter down")
}

func init() {
	gongin.SetMode(gongin.TestMode)
}

func oneper(window time.Duration) ratelimit.Config {
	return ratelimit.Config{Algorithm: ratelimit.AlgorithmTokenBucket, Rate: 1, Window: window}
}

func newEngine(cfg Config) *gongin.Engine {
	r := gongin.New()
	r.Use(RateLimit(cfg))
	r.GET("/ping", func(c *gongin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Exceeded(t *testing.T) {
	r := newEngine(Config{Limiter: ratelimit.NewMemoryLimiter(), Limit: oneper(time.Minute)})

	w := get(r, "/ping", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get(ratelimit.HeaderLimit))

	w = get(r, "/ping", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get(ratelimit.HeaderRetryAfter))
	assert.Contains(t, w.Body.String(), "Rate limit exceeded")
}

func TestRateLimit_KeyFromHeader(t *testing.T) {
	r := newEngine(Config{
		Limiter: ratelimit.NewMemoryLimiter(),
		Limit:   oneper(time.Minute),
		GetKey:  FromHeader("X-Account"),
	})

	assert.Equal(t, http.StatusOK, get(r, "/ping", map[string]string{"X-Account": "a"}).Code)
	assert.Equal(t, http.StatusOK, get(r, "/ping", map[string]string{"X-Account": "b"}).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/ping", map[string]string{"X-Account": "a"}).Code)
	// No key: not limited.
	assert.Equal(t, http.StatusOK, get(r, "/ping", nil).Code)
	assert.Equal(t, http.StatusOK, get(r, "/ping", nil).Code)
}

func TestRateLimit_LimiterError(t *testing.T) {
	closed := newEngine(Config{Limiter: errLimiter{}, Limit: oneper(time.Minute)})
	assert.Equal(t, http.StatusServiceUnavailable, get(closed, "/ping", nil).Code)

	open := newEngine(Config{Limiter: errLimiter{}, Limit: oneper(time.Minute), FailOpen: true})
	assert.Equal(t, http.StatusOK, get(open, "/ping", nil).Code)
}

func TestRateLimit_CustomHandler(t *testing.T) {
	r := newEngine(Config{
		Limiter: ratelimit.NewMemoryLimiter(),
		Limit:   oneper(time.Minute),
		OnLimitExceeded: func(c *gongin.Context, _ *ratelimit.Info) {
			c.String(http.StatusServiceUnavailable, "slow down")
		},
	})
	get(r, "/ping", nil)
	w := get(r, "/ping", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "slow down", w.Body.String())
}

func TestRateLimit_RequiresLimiter(t *testing.T) {
	assert.Panics(t, func() { RateLimit(Config{Limit: oneper(time.Minute)}) })
}

func TestFromContext(t *testing.T) {
	r := gongin.New()
	r.Use(func(c *gongin.Context) { c.Set("account", "acct-1") })
	r.Use(RateLimit(Config{Limiter: ratelimit.NewMemoryLimiter(), Limit: oneper(time.Minute), GetKey: FromContext("account")}))
	r.GET("/ping", func(c *gongin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, get(r, "/ping", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/ping", nil).Code)
}

func TestMount(t *testing.T) {
	var seen []string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
	})

	r := gongin.New()
	Mount(r, inner)

	req := httptest.NewRequest(http.MethodPost, "/donations/don-1/refund", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = get(r, "/donations/fees/calculate?amount=100", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = get(r, "/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Equal(t, []string{"POST /donations/don-1/refund", "GET /donations/fees/calculate"}, seen)
}

func TestMount_LimitsCheckoutAndWebhook(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	r := gongin.New()
	Mount(r, inner, RateLimit(Config{Limiter: ratelimit.NewMemoryLimiter(), Limit: oneper(time.Minute)}))

	post := func(path string) int {
		req := httptest.NewRequest(http.MethodPost, path, http.NoBody)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusAccepted, post("/donations/checkout"))
	assert.Equal(t, http.StatusTooManyRequests, post("/webhooks/stripe"))
	assert.Equal(t, http.StatusAccepted, post("/donations/confirm"))
	assert.Equal(t, http.StatusAccepted, get(r, "/healthz", nil).Code)
	assert.Equal(t, http.StatusAccepted, get(r, "/healthz", nil).Code)
}
