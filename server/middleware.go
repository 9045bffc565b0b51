package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const retryAfterSeconds = 60

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// cors marks every response as shareable and answers preflight requests
// for any path with 204.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeJSONError(c, http.StatusUnauthorized, "Unauthorized", "API token required")
			c.Abort()
			return
		}
		if !s.validToken(token) {
			s.writeJSONError(c, http.StatusUnauthorized, "Unauthorized", "Invalid API token")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) validToken(token string) bool {
	got := []byte(token)
	valid := false
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare(got, t) == 1 {
			valid = true
		}
	}
	return valid
}

var redactedHeaders = []string{"Authorization", "Cookie"}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		headers := log.Fields{}
		for _, name := range []string{"User-Agent", "Content-Type", "Authorization", "Cookie"} {
			if c.Request.Header.Get(name) != "" {
				headers[strings.ToLower(name)] = c.Request.Header.Get(name)
			}
		}
		for _, name := range redactedHeaders {
			if _, ok := headers[strings.ToLower(name)]; ok {
				headers[strings.ToLower(name)] = "[Redacted]"
			}
		}

		entry := s.logger.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   c.ClientIP(),
			"headers":     headers,
		})
		if id := c.Writer.Header().Get("X-Request-Id"); id != "" {
			entry = entry.WithField("request_id", id)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request")
			return
		}
		entry.Info("request")
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil || s.limiter.allow(c.ClientIP(), s.now()) {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":      "Too Many Requests",
			"message":    "Rate limit exceeded. Please try again later.",
			"retryAfter": retryAfterSeconds,
		})
	}
}

// clientLimiter keeps one token bucket per client address. Buckets idle for
// longer than ttl are dropped on the next sweep.
type clientLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	clients   map[string]*clientBucket
	ttl       time.Duration
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMinute, burst int) *clientLimiter {
	if burst <= 0 {
		burst = perMinute
	}
	return &clientLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		clients: make(map[string]*clientBucket),
		ttl:     3 * time.Minute,
	}
}

func (l *clientLimiter) allow(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.ttl {
		for k, b := range l.clients {
			if now.Sub(b.lastSeen) > l.ttl {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}
