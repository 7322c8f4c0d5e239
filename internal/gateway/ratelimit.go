package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/studyforge/studyforge/pkg/cache"
	"go.uber.org/zap"
)

const defaultRequestsPerMin = 30

// RateLimiter enforces a per-user requests-per-minute cap using Redis
// counters keyed by the current minute.
type RateLimiter struct {
	cache  *cache.Cache
	logger *zap.Logger
	limit  int64
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cacheClient *cache.Cache, logger *zap.Logger, requestsPerMin int) *RateLimiter {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMin
	}
	return &RateLimiter{
		cache:  cacheClient,
		logger: logger,
		limit:  int64(requestsPerMin),
	}
}

// Allow reports whether the user may make another request this minute.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	now := time.Now()
	minuteKey := fmt.Sprintf("ratelimit:user:%s:minute:%s", userID, now.Format("2006-01-02T15:04"))

	count, err := rl.cache.Incr(ctx, minuteKey)
	if err != nil {
		return false, err
	}

	// Set expiration on first increment. 65s so the key outlives its
	// window slightly rather than expiring mid-minute on clock skew.
	if count == 1 {
		if err := rl.cache.Expire(ctx, minuteKey, 65*time.Second); err != nil {
			rl.logger.Debug("failed to set rate limit expiry",
				zap.String("key", minuteKey),
				zap.Error(err),
			)
		}
	}

	if count > rl.limit {
		rl.logger.Warn("rate limit exceeded",
			zap.String("user_id", userID),
			zap.Int64("count", count),
			zap.Int64("limit", rl.limit),
		)
		return false, nil
	}

	return true, nil
}
