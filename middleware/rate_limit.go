package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Count     int64
	Remaining int64
	ResetAt   time.Time
}

// FixedWindowLimiter counts hits per identity in aligned windows of
// length Window stored in Redis.
//
// The window is fixed, not sliding: a client can get up to 2*Max requests
// through when it bursts at the end of one window and the start of the next.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	Max    int64
	Window time.Duration
	now    func() time.Time
}

func NewFixedWindowLimiter(client *redis.Client, prefix string, max int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		client: client,
		prefix: prefix,
		Max:    int64(max),
		Window: window,
		now:    time.Now,
	}
}

// Allow records a hit for identity and reports whether it is within the limit.
func (l *FixedWindowLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	windowSecs := int64(l.Window / time.Second)
	if windowSecs <= 0 {
		windowSecs = 1
	}
	nowUnix := l.now().Unix()
	windowStart := (nowUnix / windowSecs) * windowSecs
	resetAt := time.Unix(windowStart+windowSecs, 0)
	key := fmt.Sprintf("%s:%s:%d", l.prefix, identity, windowStart)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, time.Duration(windowSecs)*time.Second)
		return nil
	})
	if err != nil {
		return Decision{Allowed: true, ResetAt: resetAt}, fmt.Errorf("rate limit counter: %w", err)
	}

	count := incr.Val()
	remaining := l.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= l.Max,
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// RateLimitByIP gates a route per client IP. When Redis cannot be reached
// the request is let through.
func RateLimitByIP(limiter *FixedWindowLimiter, log *logrus.Entry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		decision, err := limiter.Allow(c.UserContext(), c.IP())
		if err != nil {
			log.WithError(err).WithField("ip", c.IP()).Warn("Rate limiter unavailable, allowing request")
			return c.Next()
		}

		c.Set("X-RateLimit-Limit", strconv.FormatInt(limiter.Max, 10))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		c.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Set(fiber.HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))

			log.WithFields(logrus.Fields{
				"ip":       c.IP(),
				"endpoint": c.Path(),
				"count":    decision.Count,
			}).Info("Rate limit hit")

			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "rate_limited",
				"resetAt": decision.ResetAt.UTC().Format(time.RFC3339),
			})
		}
		return c.Next()
	}
}
