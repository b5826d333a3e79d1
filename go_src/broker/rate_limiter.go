package broker

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	HeaderRateLimitRemaining    = "X-RateLimit-Remaining"
	HeaderRateLimitReset        = "X-RateLimit-Reset"
	DefaultLowRequestsThreshold = 3
)

// RateLimiter paces requests from the remaining/reset headers the venue
// returns.
type RateLimiter struct {
	mutex                sync.Mutex
	remaining            int
	resetAt              time.Time
	lowRequestsThreshold int
}

func NewRateLimiter(lowRequestsThreshold int) *RateLimiter {
	if lowRequestsThreshold <= 0 {
		lowRequestsThreshold = DefaultLowRequestsThreshold
	}
	return &RateLimiter{
		remaining:            lowRequestsThreshold * 2,
		resetAt:              time.Now(),
		lowRequestsThreshold: lowRequestsThreshold,
	}
}

func (rl *RateLimiter) UpdateLimits(headers http.Header) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	if v := headers.Get(HeaderRateLimitRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.remaining = n
		} else {
			logrus.Warnf("RateLimiter: Failed to parse '%s' header '%s': %v", HeaderRateLimitRemaining, v, err)
		}
	}
	if v := headers.Get(HeaderRateLimitReset); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			rl.resetAt = time.Now().Add(time.Duration(secs*1000) * time.Millisecond)
		} else {
			logrus.Warnf("RateLimiter: Failed to parse '%s' header '%s': %v", HeaderRateLimitReset, v, err)
		}
	}
}

// Wait blocks while the request budget is exhausted, or briefly when it is
// low and the window is about to reset. It returns ctx.Err() if the context
// ends first.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mutex.Lock()
	remaining, resetAt, threshold := rl.remaining, rl.resetAt, rl.lowRequestsThreshold
	rl.mutex.Unlock()

	var sleep time.Duration
	switch {
	case remaining <= 0:
		sleep = time.Until(resetAt.Add(time.Second))
		if sleep > 0 {
			logrus.Warnf("RateLimiter: No requests remaining. Sleeping for %v.", sleep)
		}
	case remaining < threshold:
		untilReset := time.Until(resetAt)
		if untilReset > 0 && untilReset < 5*time.Second {
			logrus.Infof("RateLimiter: Low requests (%d/%d) and reset is soon (%v). Waiting.", remaining, threshold, untilReset)
			sleep = untilReset + 500*time.Millisecond
		}
	}
	if sleep <= 0 {
		return nil
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
