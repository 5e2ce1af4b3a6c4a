package dispatcher

import (
	"context"
	"time"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/pkg/cache"
)

const frequencyWindow = time.Hour

// FrequencyLimiter caps interruptive deliveries per user and channel.
type FrequencyLimiter interface {
	// Allow consumes one slot. When the cap is reached it returns false and
	// the time the window resets.
	Allow(ctx context.Context, userID string, ch domain.Channel, now time.Time) (bool, time.Time, error)
}

// RedisLimiter counts deliveries in fixed hourly windows.
type RedisLimiter struct {
	cache   *cache.Cache
	perHour int
}

// NewRedisLimiter allows perHour deliveries per user and channel.
func NewRedisLimiter(c *cache.Cache, perHour int) *RedisLimiter {
	return &RedisLimiter{cache: c, perHour: perHour}
}

func (l *RedisLimiter) Allow(ctx context.Context, userID string, ch domain.Channel, now time.Time) (bool, time.Time, error) {
	key := userID + ":" + string(ch)
	n, remaining, err := l.cache.IncrWithExpire(ctx, "freq", key, frequencyWindow)
	if err != nil {
		return false, time.Time{}, err
	}
	if n <= int64(l.perHour) {
		return true, time.Time{}, nil
	}
	// a deferred delivery must not hold a slot in the next window
	if err := l.cache.Decr(ctx, "freq", key); err != nil {
		return false, time.Time{}, err
	}
	return false, now.Add(remaining), nil
}
