package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/pvebackup/internal/logging"
)

// Logger writes one structured line per request. The query string is left out
// because it may carry the operator token.
func Logger() gin.HandlerFunc {
	log := logging.Component("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		if path == "/health" && gin.Mode() != gin.DebugMode {
			return
		}

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", time.Since(start).String(),
			"ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		if status >= http.StatusInternalServerError {
			log.Error("http_request", attrs...)
			return
		}
		log.Info("http_request", attrs...)
	}
}

// unmetered requests are polled by the dashboard while a job runs
func unmetered(c *gin.Context) bool {
	if c.Request.Method != http.MethodGet {
		return false
	}
	switch c.Request.URL.Path {
	case "/api/v1/jobs/active", "/api/v1/ws":
		return true
	}
	return false
}

// RateLimit caps requests per client IP in fixed one-minute windows
func RateLimit(enabled bool, requestsPerMinute int) gin.HandlerFunc {
	if !enabled || requestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiter := newRateLimiter(requestsPerMinute, time.Minute)

	return func(c *gin.Context) {
		if unmetered(c) {
			c.Next()
			return
		}
		if wait, ok := limiter.take(c.ClientIP(), time.Now()); !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
				"kind":  "rate_limited",
			})
			return
		}
		c.Next()
	}
}

type rateWindow struct {
	resetAt time.Time
	used    int
}

type rateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	clients map[string]*rateWindow
	sweepAt time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string]*rateWindow),
	}
}

// take spends one request for key. When the window is exhausted it returns
// how long until the window resets.
func (rl *rateLimiter) take(key string, now time.Time) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.After(rl.sweepAt) {
		for k, w := range rl.clients {
			if !now.Before(w.resetAt) {
				delete(rl.clients, k)
			}
		}
		rl.sweepAt = now.Add(rl.window)
	}

	w := rl.clients[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(rl.window)}
		rl.clients[key] = w
	}
	if w.used >= rl.limit {
		return w.resetAt.Sub(now), false
	}
	w.used++
	return 0, true
}
