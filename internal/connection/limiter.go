package connection

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sendLimiter paces outbound frames and backs off adaptively when the
// upstream reports rate limiting.
type sendLimiter struct {
	limiter *rate.Limiter
	mu      sync.RWMutex

	requestCount     int64
	rateLimitHits    int64
	lastRateLimitHit time.Time

	backoffDuration   time.Duration
	minBackoff        time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	coolDown          time.Duration
}

func newSendLimiter(rps float64, burst int) *sendLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &sendLimiter{
		limiter:           rate.NewLimiter(limit, burst),
		minBackoff:        time.Second,
		maxBackoff:        time.Minute,
		backoffMultiplier: 1.5,
		coolDown:          5 * time.Minute,
	}
}

// Wait blocks until a frame may be written.
func (l *sendLimiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	backoff := l.backoffDuration
	lastHit := l.lastRateLimitHit
	l.mu.RUnlock()

	if backoff > 0 {
		if remaining := backoff - time.Since(lastHit); remaining > 0 {
			timer := time.NewTimer(remaining)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	return l.limiter.Wait(ctx)
}

// RecordRateLimitHit grows the backoff on every hit.
func (l *sendLimiter) RecordRateLimitHit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rateLimitHits++
	l.lastRateLimitHit = time.Now()

	if l.backoffDuration == 0 {
		l.backoffDuration = l.minBackoff
		return
	}
	l.backoffDuration = time.Duration(float64(l.backoffDuration) * l.backoffMultiplier)
	if l.backoffDuration > l.maxBackoff {
		l.backoffDuration = l.maxBackoff
	}
}

// RecordSuccess shrinks the backoff by 10%, or clears it once the cool-down
// since the last hit has passed.
func (l *sendLimiter) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requestCount++
	if l.backoffDuration == 0 {
		return
	}
	if time.Since(l.lastRateLimitHit) > l.coolDown {
		l.backoffDuration = 0
		return
	}
	l.backoffDuration = time.Duration(float64(l.backoffDuration) * 0.9)
	if l.backoffDuration < l.minBackoff {
		l.backoffDuration = 0
	}
}

// LimiterStats is a snapshot for the status endpoint.
type LimiterStats struct {
	RequestCount     int64     `json:"request_count"`
	RateLimitHits    int64     `json:"rate_limit_hits"`
	LastRateLimitHit time.Time `json:"last_rate_limit"`
	CurrentBackoffMs int64     `json:"current_backoff_ms"`
}

func (l *sendLimiter) Stats() LimiterStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return LimiterStats{
		RequestCount:     l.requestCount,
		RateLimitHits:    l.rateLimitHits,
		LastRateLimitHit: l.lastRateLimitHit,
		CurrentBackoffMs: l.backoffDuration.Milliseconds(),
	}
}
