package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/metrics"
	"github.com/threadline/threadline/internal/middleware"
	"github.com/threadline/threadline/internal/ratelimit"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type errorResponse struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func testPolicies(t *testing.T) *ratelimit.PolicyTable {
	t.Helper()
	table, err := ratelimit.NewPolicyTable([]ratelimit.Policy{
		{Action: "act", Limit: 3, Window: time.Second},
		{Action: "like", Limit: 1, Window: time.Minute},
	})
	require.NoError(t, err)
	return table
}

func newLocalLimiter(t *testing.T, opts ...ratelimit.Option) *ratelimit.Limiter {
	t.Helper()
	local, err := ratelimit.NewMemoryStore(0)
	require.NoError(t, err)
	return ratelimit.NewLimiter(local, opts...)
}

func authed(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.WithAuthContext(r.Context(), &middleware.AuthContext{UserID: userID}))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRateLimit_SequentialScenario(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	clk := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	collector, err := metrics.NewCollector(metrics.Config{})
	require.NoError(t, err)
	limiter := newLocalLimiter(t,
		ratelimit.WithSharedStore(ratelimit.NewRedisStore(rdb, ratelimit.RedisOptions{})),
		ratelimit.WithSharedTimeout(time.Second),
		ratelimit.WithClock(clk.Now),
		ratelimit.WithRejectionRecorder(collector))

	mw := middleware.NewRateLimitMiddleware(limiter, testPolicies(t), "salt")
	limit, err := mw.Limit("act")
	require.NoError(t, err)
	handler := limit(okHandler)

	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/action", nil), "u1"))
		return w
	}

	for _, want := range []string{"2", "1", "0"} {
		w := send()
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, want, w.Header().Get("X-RateLimit-Remaining"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
		assert.Empty(t, w.Header().Get("Retry-After"))
		clk.Advance(10 * time.Millisecond)
	}

	// 4. Block
	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Positive(t, retry)

	body := decodeError(t, w)
	assert.Equal(t, "rate_limited", body.Error.Code)
	assert.Equal(t, "act", body.Error.Details["action"])
	assert.EqualValues(t, 3, body.Error.Details["limit"])
	assert.EqualValues(t, 1000, body.Error.Details["windowMs"])
	assert.EqualValues(t, 1, collector.Snapshot().Counters.RateLimitHitsTotal)

	// 5. Window passed
	clk.Advance(1100 * time.Millisecond)
	w = send()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_ResetHeaderTracksOldestEntry(t *testing.T) {
	clk := &testClock{now: time.UnixMilli(1_700_000_000_250)}
	mw := middleware.NewRateLimitMiddleware(newLocalLimiter(t, ratelimit.WithClock(clk.Now)), testPolicies(t), "")
	limit, err := mw.Limit("act")
	require.NoError(t, err)
	handler := limit(okHandler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/", nil), "u1"))
	// oldest 1_700_000_000_250 + 1s, rounded up to the second.
	assert.Equal(t, "1700000002", w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_Unauthenticated(t *testing.T) {
	mw := middleware.NewRateLimitMiddleware(newLocalLimiter(t), testPolicies(t), "salt")
	limit, err := mw.Limit("act")
	require.NoError(t, err)

	called := false
	w := httptest.NewRecorder()
	limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w).Error.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestRateLimit_UnknownAction(t *testing.T) {
	mw := middleware.NewRateLimitMiddleware(newLocalLimiter(t), testPolicies(t), "salt")
	_, err := mw.Limit("missing")
	assert.ErrorIs(t, err, ratelimit.ErrUnknownPolicy)
}

func TestRateLimit_RedisDown_FailsOverToLocal(t *testing.T) {
	// Closed Redis
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr() // Get addr while open
	mr.Close()        // Close it to simulate failure

	rdb := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1})
	defer rdb.Close()

	limiter := newLocalLimiter(t, ratelimit.WithSharedStore(ratelimit.NewRedisStore(rdb, ratelimit.RedisOptions{})))
	mw := middleware.NewRateLimitMiddleware(limiter, testPolicies(t), "salt")
	limit, err := mw.Limit("act")
	require.NoError(t, err)
	handler := limit(okHandler)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/", nil), "u1"))
		codes = append(codes, w.Code)
	}
	// Still limited, now per process.
	assert.Equal(t, []int{200, 200, 200, 429}, codes)
}

func TestRateLimit_URLParamKey(t *testing.T) {
	mw := middleware.NewRateLimitMiddleware(newLocalLimiter(t), testPolicies(t), "salt")
	limit, err := mw.Limit("like", middleware.WithURLParamKey("postId"))
	require.NoError(t, err)

	r := chi.NewRouter()
	r.With(limit).Post("/likes/{postId}", okHandler)

	send := func(path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, path, nil), "u1"))
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("/likes/p1"))
	assert.Equal(t, http.StatusTooManyRequests, send("/likes/p1"))
	assert.Equal(t, http.StatusOK, send("/likes/p2"))
}

func TestRateLimit_WithoutHeaders(t *testing.T) {
	mw := middleware.NewRateLimitMiddleware(newLocalLimiter(t), testPolicies(t), "salt")
	limit, err := mw.Limit("like", middleware.WithoutHeaders())
	require.NoError(t, err)
	handler := limit(okHandler)

	for _, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/", nil), "u1"))
		assert.Equal(t, want, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
		assert.Empty(t, w.Header().Get("Retry-After"))
	}
}

func TestRateLimit_RouteHeadersReplaceGlobalOnes(t *testing.T) {
	mw := middleware.NewRateLimitMiddleware(newLocalLimiter(t), testPolicies(t), "salt")
	global := mw.GlobalLimiter(ratelimit.Policy{Action: "global:ip", Limit: 100, Window: time.Minute})
	withHeaders, err := mw.Limit("act")
	require.NoError(t, err)
	quiet, err := mw.Limit("like", middleware.WithoutHeaders())
	require.NoError(t, err)

	send := func(h http.Handler) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, authed(httptest.NewRequest(http.MethodPost, "/", nil), "u1"))
		return w
	}

	w := send(global(withHeaders(okHandler)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Remaining"))

	for _, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		w = send(global(quiet(okHandler)))
		assert.Equal(t, want, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
		assert.Empty(t, w.Header().Get("X-RateLimit-Remaining"))
		assert.Empty(t, w.Header().Get("X-RateLimit-Reset"))
		assert.Empty(t, w.Header().Get("Retry-After"))
	}
}

func TestRateLimit_GlobalIP(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := newLocalLimiter(t, ratelimit.WithSharedStore(ratelimit.NewRedisStore(rdb, ratelimit.RedisOptions{})), ratelimit.WithSharedTimeout(time.Second))
	mw := middleware.NewRateLimitMiddleware(limiter, testPolicies(t), "salt")
	handler := mw.GlobalLimiter(ratelimit.Policy{Action: "global:ip", Limit: 2, Window: time.Second})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "1.2.3.4:1234"

	for _, want := range []int{200, 200, 429} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code)
	}

	// Another client is unaffected.
	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "5.6.7.8:4321"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, other)
	assert.Equal(t, http.StatusOK, w.Code)

	// The raw IP never reaches the store.
	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "1.2.3.4")
	}
}

func TestRateLimit_ConcurrentBurstOverHTTP(t *testing.T) {
	table, err := ratelimit.NewPolicyTable([]ratelimit.Policy{{Action: "burst", Limit: 5, Window: time.Minute}})
	require.NoError(t, err)
	mw := middleware.NewRateLimitMiddleware(newLocalLimiter(t), table, "salt")
	limit, err := mw.Limit("burst")
	require.NoError(t, err)
	handler := limit(okHandler)

	var mu sync.Mutex
	counts := map[int]int{}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", nil).WithContext(
				middleware.WithAuthContext(context.Background(), &middleware.AuthContext{UserID: "u1"}))
			handler.ServeHTTP(w, req)
			mu.Lock()
			counts[w.Code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, counts[http.StatusOK])
	assert.Equal(t, 35, counts[http.StatusTooManyRequests])
}
