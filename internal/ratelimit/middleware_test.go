package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_AllowsThenRejects(t *testing.T) {
	_, rdb := newRedis(t)
	l := New(NewRedisStore(rdb), Config{Window: time.Minute, Max: 2}, testLogger())
	h := Middleware(l, MiddlewareOptions{Logger: testLogger()})(okHandler())

	for i := range 2 {
		req := httptest.NewRequest(http.MethodGet, "/api/posts/all-posts", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, "2", rec.Header().Get("RateLimit-Limit"))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/posts/all-posts", nil)
	req.RemoteAddr = "10.0.0.1:6666"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Too many requests", body["message"])
}

func TestMiddleware_CustomKey(t *testing.T) {
	_, rdb := newRedis(t)
	l := New(NewRedisStore(rdb), Config{Window: time.Minute, Max: 1}, testLogger())
	h := Middleware(l, MiddlewareOptions{
		Logger:  testLogger(),
		KeyFunc: func(r *http.Request) string { return r.Header.Get("X-User-ID") },
	})(okHandler())

	do := func(user string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User-ID", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("alice"))
	assert.Equal(t, http.StatusTooManyRequests, do("alice"))
	assert.Equal(t, http.StatusOK, do("bob"))
}

func TestMiddleware_StoreDown(t *testing.T) {
	tests := []struct {
		name     string
		failOpen bool
		want     int
	}{
		{name: "fail open passes through", failOpen: true, want: http.StatusOK},
		{name: "fail closed rejects", failOpen: false, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{}
			store.down.Store(true)
			l := New(store, Config{Window: time.Minute, Max: 5, FailOpen: tt.failOpen}, testLogger())
			h := Middleware(l, MiddlewareOptions{Logger: testLogger()})(okHandler())

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, rec.Header().Get("RateLimit-Remaining"))
		})
	}
}

func TestRemoteHost(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[::1]:80", "::1"},
		{"192.0.2.1", "192.0.2.1"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		assert.Equal(t, tt.want, RemoteHost(req))
	}
}
