package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// PortfolioHeader names the portfolio a client trades for. Requests carrying
// it are limited per portfolio, the rest per client address.
const PortfolioHeader = "X-Portfolio"

type windowKey struct {
	client string
	window int64
}

type RateLimiter struct {
	maxRequests    int
	windowDuration time.Duration
	counters       map[windowKey]int
	mu             sync.Mutex
	now            func() time.Time
}

func NewRateLimiter(maxRequests int, windowDuration time.Duration) *RateLimiter {
	if windowDuration <= 0 {
		windowDuration = time.Second
	}
	return &RateLimiter{
		maxRequests:    maxRequests,
		windowDuration: windowDuration,
		counters:       make(map[windowKey]int),
		now:            time.Now,
	}
}

func (rl *RateLimiter) getClientID(c *fiber.Ctx) string {
	if p := c.Get(PortfolioHeader); p != "" {
		return "portfolio:" + p
	}
	ip := c.Get("X-Forwarded-For")
	if ip == "" {
		ip = c.Get("X-Real-IP")
	}
	if ip == "" {
		ip = c.IP()
	}
	return ip
}

func (rl *RateLimiter) getWindowKey(clientID string, now time.Time) windowKey {
	return windowKey{client: clientID, window: now.UnixNano() / rl.windowDuration.Nanoseconds()}
}

func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := rl.getWindowKey(clientID, rl.now())

	count, exists := rl.counters[key]

	if !exists {
		// edge case: remove old windows when starting new window
		rl.removeOldWindows(key)
		rl.counters[key] = 1
		return true
	}

	if count >= rl.maxRequests {
		return false
	}

	rl.counters[key] = count + 1
	return true
}

func (rl *RateLimiter) removeOldWindows(current windowKey) {
	for key := range rl.counters {
		if key.client == current.client && key.window != current.window {
			delete(rl.counters, key)
		}
	}
}

func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientID := rl.getClientID(c)

		if !rl.Allow(clientID) {
			log.Warn().
				Str("client", clientID).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Int("max_requests", rl.maxRequests).
				Msg("Rate limit exceeded")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "Rate limit exceeded",
				"message": "Too many requests. Please try again later.",
			})
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(rl.maxRequests))
		c.Set("X-RateLimit-Window", rl.windowDuration.String())

		return c.Next()
	}
}
