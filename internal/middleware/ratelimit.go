package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitedCode matches api.ErrCodeRateLimited.
const rateLimitedCode = "rate_limit_exceeded"

// RateLimitConfig allows RequestsPerWindow requests per key in each
// WindowDuration. Both must be positive.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

func (c RateLimitConfig) Validate() error {
	if c.RequestsPerWindow <= 0 {
		return fmt.Errorf("RequestsPerWindow must be > 0 (got %d)", c.RequestsPerWindow)
	}
	if c.WindowDuration <= 0 {
		return fmt.Errorf("WindowDuration must be > 0 (got %s)", c.WindowDuration)
	}
	return nil
}

// DefaultExportLimit bounds full ledger exports and verifications, which
// read the whole chain: 10 requests per minute per client.
func DefaultExportLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerWindow: 10, WindowDuration: time.Minute}
}

// RateLimitStore keeps per-key request counts.
type RateLimitStore interface {
	// Allow reports whether a request for key is allowed, how many requests
	// remain in the window, and the seconds until the window resets.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

// window is one fixed counting window for a key.
type window struct {
	hits int
	ends time.Time
}

// InMemoryRateLimitStore is a fixed-window RateLimitStore for a single
// server process.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{windows: make(map[string]*window), now: time.Now}
}

func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.ends) {
		w = &window{ends: now.Add(config.WindowDuration)}
		s.windows[key] = w
	}
	if w.hits >= config.RequestsPerWindow {
		return false, 0, retryAfterSeconds(w.ends.Sub(now))
	}
	w.hits++
	return true, config.RequestsPerWindow - w.hits, 0
}

// Cleanup drops windows that have ended. serve calls it on a ticker.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, w := range s.windows {
		if !now.Before(w.ends) {
			delete(s.windows, key)
		}
	}
}

// retryAfterSeconds rounds d up to whole seconds, at least one.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return secs
}

// allowScript increments the window counter and starts its expiry on the
// first hit, returning the new count and the remaining TTL in milliseconds.
var allowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// RedisRateLimitStore implements RateLimitStore with a fixed window counter
// in Redis, so several server replicas share limits.
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
	// OnError is called when Redis fails; the request is then allowed.
	OnError func(error)
}

// NewRedisRateLimitStore creates a store using client.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: "guardrail:ratelimit:"}
}

// Allow implements RateLimitStore. It fails open.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	res, err := allowScript.Run(ctx, s.client, []string{s.prefix + key}, config.WindowDuration.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if s.OnError != nil {
			if err == nil {
				err = fmt.Errorf("unexpected script reply %v", res)
			}
			s.OnError(err)
		}
		return true, config.RequestsPerWindow, 0
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}
	return false, 0, retryAfterSeconds(ttl)
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys requests by client IP taken from RemoteAddr. Proxy
// headers are not read here; the router rewrites RemoteAddr with
// chi's RealIP before the limiter runs.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
}

// RateLimiter is a middleware that limits request rates per key.
// It returns HTTP 429 Too Many Requests when the limit is exceeded.
// metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if metrics != nil {
				metrics.IncRateLimitRequests(route)
			}

			allowed, remaining, retryAfter := store.Allow(r.Context(), route+"|"+keyFunc(r), config)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				if metrics != nil {
					metrics.IncRateLimitBlocked(route)
				}
				SetErrorCode(r.Context(), rateLimitedCode)

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				// X-RateLimit-Reset is a Unix timestamp
				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":{"code":"` + rateLimitedCode + `","message":"Too many requests"}}` + "\n"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
