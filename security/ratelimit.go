package security

import (
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per identifier. Idle buckets expire from
// the underlying cache so memory tracks the set of recently active callers.
type RateLimiter struct {
	buckets *gocache.Cache
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
}

// NewRateLimiter allows requestsPerSecond sustained with the given burst.
// Buckets idle for longer than idleTimeout are forgotten.
func NewRateLimiter(requestsPerSecond, burst int, idleTimeout time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &RateLimiter{
		buckets: gocache.New(idleTimeout, idleTimeout/2),
		limit:   rate.Limit(requestsPerSecond),
		burst:   burst,
		logger:  logger,
	}
}

// Allow consumes one token for identifier.
func (rl *RateLimiter) Allow(identifier string) bool {
	allowed := rl.bucket(identifier).Allow()
	if !allowed {
		rl.logger.Debug("Rate limit exceeded", "identifier", identifier)
	}
	return allowed
}

// RetryAfter is the time until a drained bucket holds one token again.
func (rl *RateLimiter) RetryAfter() time.Duration {
	if rl.limit <= 0 {
		return time.Minute
	}
	d := time.Duration(float64(time.Second) / float64(rl.limit))
	if d < time.Second {
		return time.Second
	}
	return d
}

// ActiveBuckets reports how many identifiers are currently tracked.
func (rl *RateLimiter) ActiveBuckets() int {
	return rl.buckets.ItemCount()
}

func (rl *RateLimiter) bucket(identifier string) *rate.Limiter {
	if v, ok := rl.buckets.Get(identifier); ok {
		l := v.(*rate.Limiter)
		// refresh the idle deadline
		rl.buckets.SetDefault(identifier, l)
		return l
	}

	l := rate.NewLimiter(rl.limit, rl.burst)
	if err := rl.buckets.Add(identifier, l, gocache.DefaultExpiration); err != nil {
		// another request created the bucket first
		if v, ok := rl.buckets.Get(identifier); ok {
			return v.(*rate.Limiter)
		}
	}
	return l
}
