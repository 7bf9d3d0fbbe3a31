package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  RateLimitConfig
		wantErr bool
	}{
		{name: "valid", config: RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}},
		{name: "default export limit", config: DefaultExportLimit()},
		{name: "zero requests", config: RateLimitConfig{RequestsPerWindow: 0, WindowDuration: time.Minute}, wantErr: true},
		{name: "negative requests", config: RateLimitConfig{RequestsPerWindow: -1, WindowDuration: time.Minute}, wantErr: true},
		{name: "zero window", config: RateLimitConfig{RequestsPerWindow: 10}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// fakeClock is a manually advanced clock for the in-memory store.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClockedStore() (*InMemoryRateLimitStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewInMemoryRateLimitStore()
	store.now = clock.Now
	return store, clock
}

func TestInMemoryRateLimitStore_Allow(t *testing.T) {
	store, clock := newClockedStore()
	config := RateLimitConfig{RequestsPerWindow: 3, WindowDuration: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, remaining, _ := store.Allow(ctx, "k", config)
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 2 - i; remaining != want {
			t.Errorf("request %d: remaining = %d, want %d", i+1, remaining, want)
		}
	}

	clock.Advance(20*time.Second + 500*time.Millisecond)
	allowed, remaining, retryAfter := store.Allow(ctx, "k", config)
	if allowed {
		t.Fatal("4th request should be blocked")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
	// 39.5s left in the window rounds up.
	if retryAfter != 40 {
		t.Errorf("retryAfter = %d, want 40", retryAfter)
	}

	clock.Advance(40 * time.Second)
	if allowed, remaining, _ := store.Allow(ctx, "k", config); !allowed || remaining != 2 {
		t.Errorf("after window: allowed=%v remaining=%d, want true 2", allowed, remaining)
	}
}

func TestInMemoryRateLimitStore_KeysAreIndependent(t *testing.T) {
	store, _ := newClockedStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
	ctx := context.Background()

	if allowed, _, _ := store.Allow(ctx, "a", config); !allowed {
		t.Error("first request for a should be allowed")
	}
	if allowed, _, _ := store.Allow(ctx, "b", config); !allowed {
		t.Error("first request for b should be allowed")
	}
	if allowed, _, _ := store.Allow(ctx, "a", config); allowed {
		t.Error("second request for a should be blocked")
	}
}

func TestInMemoryRateLimitStore_Cleanup(t *testing.T) {
	store, clock := newClockedStore()
	ctx := context.Background()
	store.Allow(ctx, "short", RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second})
	store.Allow(ctx, "long", RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Hour})

	clock.Advance(2 * time.Second)
	store.Cleanup()

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.windows["short"]; ok {
		t.Error("expired bucket was not removed")
	}
	if _, ok := store.windows["long"]; !ok {
		t.Error("live bucket was removed")
	}
}

func TestInMemoryRateLimitStore_Concurrent(t *testing.T) {
	store := NewInMemoryRateLimitStore()
	config := RateLimitConfig{RequestsPerWindow: 50, WindowDuration: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, _ := store.Allow(context.Background(), "shared", config); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want int
	}{
		{d: 0, want: 1},
		{d: -time.Second, want: 1},
		{d: 10 * time.Millisecond, want: 1},
		{d: time.Second, want: 1},
		{d: 1001 * time.Millisecond, want: 2},
		{d: time.Minute, want: 60},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.d); got != tt.want {
			t.Errorf("retryAfterSeconds(%s) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{name: "remote addr with port", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "remote addr without port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
		{name: "ipv6 remote addr", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "forwarded header ignored", remoteAddr: "10.0.0.1:80", headers: map[string]string{"X-Forwarded-For": "203.0.113.5"}, want: "10.0.0.1"},
	}
	keyFunc := IPKeyFunc()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/audit/export", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := keyFunc(req); got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	store, _ := newClockedStore()
	metrics := NewMetrics()
	config := RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}

	var served int
	handler := RateLimiter(store, config, IPKeyFunc(), metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/audit/export", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		rr := do()
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Errorf("X-RateLimit-Limit = %q, want 2", got)
		}
		if got, want := rr.Header().Get("X-RateLimit-Remaining"), strconv.Itoa(1-i); got != want {
			t.Errorf("X-RateLimit-Remaining = %q, want %q", got, want)
		}
	}

	rr := do()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if served != 2 {
		t.Errorf("handler served %d requests, want 2", served)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rr.Header().Get("Retry-After"))
	}
	if rr.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset not set")
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != "rate_limit_exceeded" {
		t.Errorf("error code = %q, want rate_limit_exceeded", body.Error.Code)
	}

	if got := getCounterVecValue(t, metrics.rateLimitRequests, prometheus.Labels{"route": "/audit/export"}); got != 3 {
		t.Errorf("rate limit requests = %v, want 3", got)
	}
	if got := getCounterVecValue(t, metrics.rateLimitBlocked, prometheus.Labels{"route": "/audit/export"}); got != 1 {
		t.Errorf("rate limit blocked = %v, want 1", got)
	}
}

func TestRateLimiter_LogsErrorCode(t *testing.T) {
	store, _ := newClockedStore()
	config := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}

	var code string
	inner := RateLimiter(store, config, IPKeyFunc(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		holder := &errorSlot{}
		r = r.WithContext(context.WithValue(r.Context(), errorCodeKey{}, holder))
		inner.ServeHTTP(w, r)
		code = GetErrorCode(r.Context())
	})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/audit/verify", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/audit/verify", nil))

	if code != "rate_limit_exceeded" {
		t.Errorf("error code = %q, want rate_limit_exceeded", code)
	}
}
