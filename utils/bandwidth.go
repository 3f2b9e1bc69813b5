package utils

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ByteRateLimiter throttles transfer bandwidth using a token bucket. A nil
// limiter or a rate of zero means unlimited.
type ByteRateLimiter struct {
	mutex      sync.Mutex
	rate       int64 // bytes per second
	bucket     int64
	maxBucket  int64
	lastUpdate time.Time
}

// NewByteRateLimiter creates a limiter capped at bytesPerSecond.
func NewByteRateLimiter(bytesPerSecond int64) *ByteRateLimiter {
	return &ByteRateLimiter{
		rate:       bytesPerSecond,
		bucket:     bytesPerSecond,
		maxBucket:  bytesPerSecond,
		lastUpdate: time.Now(),
	}
}

// Wait blocks until n bytes may be consumed, or the context is cancelled.
func (r *ByteRateLimiter) Wait(ctx context.Context, n int) error {
	if r == nil || r.rate <= 0 {
		return nil
	}

	r.mutex.Lock()

	// Refill tokens for the time that passed since the last call
	now := time.Now()
	elapsed := now.Sub(r.lastUpdate)
	r.lastUpdate = now

	r.bucket += int64(elapsed.Seconds() * float64(r.rate))
	if r.bucket > r.maxBucket {
		r.bucket = r.maxBucket
	}

	needed := int64(n)
	if r.bucket >= needed {
		r.bucket -= needed
		r.mutex.Unlock()
		return nil
	}

	deficit := needed - r.bucket
	waitTime := time.Duration(float64(deficit) / float64(r.rate) * float64(time.Second))
	r.bucket = 0
	r.mutex.Unlock()

	select {
	case <-time.After(waitTime):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetRate updates the rate limit.
func (r *ByteRateLimiter) SetRate(bytesPerSecond int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.rate = bytesPerSecond
	r.maxBucket = bytesPerSecond
	if r.bucket > r.maxBucket {
		r.bucket = r.maxBucket
	}
}

// ParseByteRate parses human-readable rate strings such as "500K" or "2.5MB"
// into bytes per second. An empty string means unlimited.
func ParseByteRate(rateStr string) (int64, error) {
	rateStr = strings.TrimSpace(rateStr)
	if rateStr == "" {
		return 0, nil
	}

	// Plain numbers are bytes per second
	if val, err := strconv.ParseInt(rateStr, 10, 64); err == nil {
		if val < 0 {
			return 0, fmt.Errorf("rate cannot be negative: %d", val)
		}
		return val, nil
	}

	if len(rateStr) < 2 {
		return 0, fmt.Errorf("invalid rate format: %s", rateStr)
	}

	var numStr, suffix string
	rateUpper := strings.ToUpper(rateStr)

	// Two-character suffixes first (KB, MB, GB, TB)
	if len(rateUpper) >= 3 && (strings.HasSuffix(rateUpper, "KB") ||
		strings.HasSuffix(rateUpper, "MB") ||
		strings.HasSuffix(rateUpper, "GB") ||
		strings.HasSuffix(rateUpper, "TB")) {
		numStr = rateStr[:len(rateStr)-2]
		suffix = rateUpper[len(rateUpper)-2:]
	} else {
		numStr = rateStr[:len(rateStr)-1]
		suffix = rateUpper[len(rateUpper)-1:]
	}

	baseValue, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value in rate: %s", numStr)
	}
	if baseValue < 0 {
		return 0, fmt.Errorf("rate cannot be negative: %f", baseValue)
	}

	var multiplier int64
	switch suffix {
	case "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1024
	case "M", "MB":
		multiplier = 1024 * 1024
	case "G", "GB":
		multiplier = 1024 * 1024 * 1024
	case "T", "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unsupported rate suffix: %s (supported: B, K/KB, M/MB, G/GB, T/TB)", suffix)
	}

	result := int64(baseValue * float64(multiplier))
	if result < 0 {
		return 0, fmt.Errorf("rate value overflow")
	}

	return result, nil
}
