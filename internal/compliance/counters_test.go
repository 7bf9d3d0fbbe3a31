package compliance

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		wantErr bool
	}{
		{name: "default", cfg: DefaultRateLimit()},
		{name: "zero ceiling", cfg: RateLimitConfig{Window: time.Minute}, wantErr: true},
		{name: "negative window", cfg: RateLimitConfig{Ceiling: 1, Window: -time.Second}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func exerciseCounterStore(t *testing.T, store CounterStore, node string) {
	t.Helper()
	ctx := context.Background()
	window := time.Minute

	for i := 0; i < 3; i++ {
		count, ok, err := store.Reserve(ctx, node, testNow.Add(time.Duration(i)*time.Second), window, 3)
		if err != nil {
			t.Fatalf("Reserve(%d) error = %v", i, err)
		}
		if !ok || count != i {
			t.Errorf("Reserve(%d) = %d, %v, want %d, true", i, count, ok, i)
		}
	}

	count, ok, err := store.Reserve(ctx, node, testNow.Add(3*time.Second), window, 3)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if ok || count != 3 {
		t.Errorf("Reserve() over limit = %d, %v, want 3, false", count, ok)
	}

	n, err := store.Count(ctx, node, testNow.Add(30*time.Second), window)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want 3", n)
	}

	// At +61s only the reservation made at +2s is inside the window.
	n, err = store.Count(ctx, node, testNow.Add(61*time.Second), window)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() after slide = %d, want 1", n)
	}

	if n, _ := store.Count(ctx, node+"-other", testNow, window); n != 0 {
		t.Errorf("Count() of untouched node = %d, want 0", n)
	}
}

func TestInMemoryCounterStore(t *testing.T) {
	exerciseCounterStore(t, NewInMemoryCounterStore(), "n1")
}

func TestInMemoryCounterStore_OutOfOrderTimes(t *testing.T) {
	s := NewInMemoryCounterStore()
	ctx := context.Background()
	for _, offset := range []time.Duration{30 * time.Second, 0, 50 * time.Second} {
		if _, ok, _ := s.Reserve(ctx, "n1", testNow.Add(offset), time.Minute, 10); !ok {
			t.Fatalf("Reserve(+%s) refused", offset)
		}
	}
	if n, _ := s.Count(ctx, "n1", testNow.Add(70*time.Second), time.Minute); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
}

func TestInMemoryCounterStore_Cleanup(t *testing.T) {
	s := NewInMemoryCounterStore()
	ctx := context.Background()
	s.Reserve(ctx, "n1", testNow, time.Minute, 5)
	s.Reserve(ctx, "n2", testNow.Add(50*time.Second), time.Minute, 5)

	s.Cleanup(testNow.Add(90*time.Second), time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events["n1"]; ok {
		t.Error("expired node n1 not cleaned up")
	}
	if _, ok := s.events["n2"]; !ok {
		t.Error("live node n2 was cleaned up")
	}
}

// TestRedisCounterStore requires a Redis instance on localhost:6379 and is
// skipped when none is reachable.
func TestRedisCounterStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	prefix := "guardrail-test-" + strconv.FormatInt(time.Now().UnixNano(), 10) + ":"
	store := NewRedisCounterStore(client, prefix)
	t.Cleanup(func() {
		client.Del(context.Background(), prefix+"n1", prefix+"n1-other")
	})

	exerciseCounterStore(t, store, "n1")
}
