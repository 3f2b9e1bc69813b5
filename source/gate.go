package source

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	minPermits = 1
	maxPermits = 12

	// Backoff shape for 429 responses without a Retry-After hint.
	backoffBase = 5 * time.Second
	backoffCap  = 2 * time.Minute

	// A server hint gets a little slack on top.
	hintSlack = time.Second
)

// RateGate bounds in-flight requests to one backend and holds the shared
// cooldown state set by 429 responses. Credential refresh calls never pass
// through the gate; see Refresher.
type RateGate struct {
	sem *semaphore.Weighted

	mu            sync.Mutex
	cooldownUntil time.Time
	nextSlot      time.Time
	spacing       time.Duration

	logger zerolog.Logger
}

// NewRateGate creates a gate allowing maxConcurrent in-flight requests,
// clamped to [1,12] whatever the configuration says. requestsPerMinute > 0
// additionally enforces minimum spacing between permit grants.
func NewRateGate(maxConcurrent, requestsPerMinute int, logger zerolog.Logger) *RateGate {
	if maxConcurrent < minPermits {
		maxConcurrent = minPermits
	}
	if maxConcurrent > maxPermits {
		maxConcurrent = maxPermits
	}

	var spacing time.Duration
	if requestsPerMinute > 0 {
		spacing = time.Minute / time.Duration(requestsPerMinute)
	}

	return &RateGate{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		spacing: spacing,
		logger:  logger,
	}
}

// Acquire blocks until a permit is free, any active cooldown has elapsed and
// the pacing slot arrives. The returned release function must be called when
// the attempt completes; a permit is never meant to be held across backoff
// sleeps.
func (g *RateGate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		wait := g.nextWait()
		if wait <= 0 {
			return func() { g.sem.Release(1) }, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			// Re-check: the cooldown may have been extended meanwhile
		case <-ctx.Done():
			timer.Stop()
			g.sem.Release(1)
			return nil, ctx.Err()
		}
	}
}

// nextWait returns how long the caller must still wait. A zero return means
// the caller owns the next pacing slot and may proceed.
func (g *RateGate) nextWait() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if now.Before(g.cooldownUntil) {
		return g.cooldownUntil.Sub(now)
	}
	if g.spacing > 0 {
		if now.Before(g.nextSlot) {
			return g.nextSlot.Sub(now)
		}
		g.nextSlot = now.Add(g.spacing)
	}
	return 0
}

// ReportRateLimited records a 429 response. With a server hint the cooldown
// is the hint plus a second of slack; without one it is an exponential
// backoff with jitter derived from the attempt number. Returns the delay that
// was applied.
func (g *RateGate) ReportRateLimited(attempt int, hint time.Duration) time.Duration {
	delay := g.backoffDelay(attempt, hint)

	g.mu.Lock()
	until := time.Now().Add(delay)
	if until.After(g.cooldownUntil) {
		g.cooldownUntil = until
	}
	g.mu.Unlock()

	g.logger.Warn().
		Dur("cooldown", delay).
		Int("attempt", attempt).
		Bool("hinted", hint > 0).
		Msg("rate limited, cooling down")

	return delay
}

// backoffDelay computes the cooldown for one 429. The jitter spreads workers
// that were throttled together so they do not re-synchronize on the same
// instant.
func (g *RateGate) backoffDelay(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint + hintSlack
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := backoffBase << uint(attempt)
	if delay <= 0 || delay > backoffCap {
		delay = backoffCap
	}

	jitter := 500*time.Millisecond + time.Duration(rand.Int63n(int64(1500*time.Millisecond)))
	return delay + jitter
}

// Cooldown reports how long the gate stays closed, zero when open.
func (g *RateGate) Cooldown() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d := time.Until(g.cooldownUntil); d > 0 {
		return d
	}
	return 0
}
