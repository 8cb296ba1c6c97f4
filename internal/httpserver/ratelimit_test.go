package httpserver

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsWithinLimit(test *testing.T) {
	test.Parallel()
	limiter := NewRateLimiter(3, time.Minute)
	for attempt := 0; attempt < 3; attempt++ {
		if !limiter.Allow("10.0.0.1") {
			test.Fatalf("expected attempt %d to be allowed", attempt+1)
		}
	}
	if limiter.Allow("10.0.0.1") {
		test.Fatal("expected the fourth attempt to be refused")
	}
	// A different client is unaffected.
	if !limiter.Allow("10.0.0.2") {
		test.Fatal("expected an unrelated client to be allowed")
	}
}

func TestRateLimiterExpiresOldAttempts(test *testing.T) {
	test.Parallel()
	limiter := NewRateLimiter(1, 10*time.Millisecond)
	if !limiter.Allow("10.0.0.3") {
		test.Fatal("expected the first attempt to be allowed")
	}
	if limiter.Allow("10.0.0.3") {
		test.Fatal("expected the second attempt to be refused")
	}
	time.Sleep(20 * time.Millisecond)
	if !limiter.Allow("10.0.0.3") {
		test.Fatal("expected the window to have rolled over")
	}
}

func TestRateLimiterSweepDropsIdleClients(test *testing.T) {
	test.Parallel()
	limiter := NewRateLimiter(5, 10*time.Millisecond)
	limiter.Allow("10.0.0.4")
	time.Sleep(20 * time.Millisecond)
	limiter.sweepOnce(time.Now())

	limiter.mu.Lock()
	_, present := limiter.attempts["10.0.0.4"]
	limiter.mu.Unlock()
	if present {
		test.Fatal("expected the idle client entry to be swept")
	}
}

func TestRateLimiterDefaults(test *testing.T) {
	test.Parallel()
	limiter := NewRateLimiter(0, 0)
	if limiter.limit != defaultWebhookRateLimit || limiter.window != defaultWebhookRateWindow {
		test.Fatalf("expected defaults, got limit=%d window=%s", limiter.limit, limiter.window)
	}
}
