package broker

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestNewRateLimiter(t *testing.T) {
	rl := NewRateLimiter(0)
	if rl.lowRequestsThreshold != DefaultLowRequestsThreshold {
		t.Errorf("Expected default threshold %d, got %d", DefaultLowRequestsThreshold, rl.lowRequestsThreshold)
	}
	if rl.remaining <= rl.lowRequestsThreshold {
		t.Errorf("Expected initial remaining (%d) to be > threshold (%d)", rl.remaining, rl.lowRequestsThreshold)
	}
}

func TestUpdateLimits(t *testing.T) {
	rl := NewRateLimiter(3)
	headers := http.Header{}
	headers.Set(HeaderRateLimitRemaining, "40")
	headers.Set(HeaderRateLimitReset, "10.5")
	rl.UpdateLimits(headers)

	if rl.remaining != 40 {
		t.Errorf("Expected remaining 40, got %d", rl.remaining)
	}
	if d := time.Until(rl.resetAt); d < 10*time.Second || d > 11*time.Second {
		t.Errorf("Expected reset in ~10.5s, got %v", d)
	}

	before := rl.resetAt
	headers.Set(HeaderRateLimitRemaining, "not-an-int")
	headers.Set(HeaderRateLimitReset, "not-a-float")
	rl.UpdateLimits(headers)
	if rl.remaining != 40 || !rl.resetAt.Equal(before) {
		t.Errorf("Invalid headers must not change limits, got remaining=%d reset=%v", rl.remaining, rl.resetAt)
	}
}

func TestWait_NoWait(t *testing.T) {
	rl := NewRateLimiter(3)
	rl.remaining = 10
	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned %v", err)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("Wait slept with plenty of budget left")
	}
}

func TestWait_Exhausted(t *testing.T) {
	rl := NewRateLimiter(3)
	rl.remaining = 0
	rl.resetAt = time.Now().Add(-900 * time.Millisecond)
	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("Expected Wait to sleep until reset+1s, slept %v", elapsed)
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	rl := NewRateLimiter(3)
	rl.remaining = 0
	rl.resetAt = time.Now().Add(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}
