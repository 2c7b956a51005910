package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/orgfeed/pkg/contextkeys"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	mr, client := newRedis(t)
	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}, "test")
	ctx := context.Background()

	for i := 2; i >= 0; i-- {
		allowed, remaining, err := limiter.Allow(ctx, "ann")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, i, remaining)
	}

	allowed, remaining, err := limiter.Allow(ctx, "ann")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Zero(t, remaining)

	// other viewers have their own window
	allowed, _, err = limiter.Allow(ctx, "ben")
	require.NoError(t, err)
	assert.True(t, allowed)

	ttl, err := limiter.TTL(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(time.Minute + time.Second)
	allowed, _, err = limiter.Allow(ctx, "ann")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, limiter.Reset(ctx, "ann"))
	assert.False(t, mr.Exists("test:ann"))
}

func TestDistributedRateLimitMiddleware(t *testing.T) {
	_, client := newRedis(t)
	log, _ := test.NewNullLogger()
	m := NewDistributedRateLimitMiddleware(client, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, log)

	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	post := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/orgs/o1/posts", nil)
		r = r.WithContext(contextkeys.WithUserID(r.Context(), "ann"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := post()
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = post()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")

	// reads are never limited
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/orgs/o1/feed", nil)
		r = r.WithContext(contextkeys.WithUserID(r.Context(), "ann"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, http.StatusCreated, w.Code)
	}
}

func TestDistributedRateLimitMiddleware_RedisDown(t *testing.T) {
	mr, client := newRedis(t)
	log, hook := test.NewNullLogger()
	m := NewDistributedRateLimitMiddleware(client, nil, log)
	h := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mr.Close()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orgs/o1/posts", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "Rate limiter unavailable")

	m.SetFallbackEnabled(false)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/orgs/o1/posts", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
