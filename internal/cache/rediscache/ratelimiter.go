package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter counts hits per subject in fixed windows aligned to the epoch.
// Each window gets its own key, so a new window starts at zero without any
// reset step.
type RateLimiter struct {
	c      *redis.Client
	prefix string
}

func NewRateLimiter(addr string) *RateLimiter {
	return NewRateLimiterWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

func NewRateLimiterWithClient(c *redis.Client) *RateLimiter {
	return &RateLimiter{c: c, prefix: "rl"}
}

type Verdict struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Allow records one hit for subject in the window containing now. A denied
// verdict carries the time left until the window closes.
func (rl *RateLimiter) Allow(ctx context.Context, subject string, limit int64, window time.Duration, now time.Time) (Verdict, error) {
	start := now.Truncate(window)
	key := fmt.Sprintf("%s:%s:%d", rl.prefix, subject, start.Unix())

	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window+10*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Verdict{}, errors.Wrap(err, "redis ratelimit")
	}

	v := Verdict{Count: incr.Val()}
	v.Allowed = v.Count <= limit
	if !v.Allowed {
		v.RetryAfter = start.Add(window).Sub(now)
	}
	return v, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
