package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	agenterr "nexus-core/internal/errors"
	"nexus-core/internal/firewall"
	"nexus-core/internal/jobs"
	"nexus-core/pkg/db"
)

const limiterIdle = 5 * time.Minute

// ipLimiter hands out one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*ipEntry
	swept    time.Time
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	reported time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	return &ipLimiter{limit: rate.Limit(rps), burst: burst, limiters: make(map[string]*ipEntry), swept: time.Now()}
}

// allow reports whether ip may proceed and, when it may not, whether this
// rejection is the first one for ip in the current idle window.
func (l *ipLimiter) allow(ip string) (ok, firstReject bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.swept) > limiterIdle {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > limiterIdle {
				delete(l.limiters, k)
			}
		}
		l.swept = now
	}

	e, exists := l.limiters[ip]
	if !exists {
		e = &ipEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	if e.limiter.Allow() {
		return true, false
	}
	if now.Sub(e.reported) > limiterIdle {
		e.reported = now
		return false, true
	}
	return false, false
}

// RateLimitMiddleware rejects bursts per IP and reports abuse to the
// firewall as spam, once per IP per window.
func (s *Server) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		ok, first := s.limiter.allow(ip)
		if ok {
			c.Next()
			return
		}
		log.Printf("[RATE_LIMIT] IP %s exceeded rate limit", ip)
		if first && s.deps.Breaker != nil {
			s.deps.Breaker.Report(firewall.KindSpam, "api rate limit exceeded by "+ip)
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":  "RATE_LIMITED",
			"error": "too many requests, please slow down",
		})
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context. Handlers pass it to every
// engine call, so a slow dependency surfaces as a context error.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger logs all API requests with timing and status.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		requestID := c.GetString("RequestID")
		if len(requestID) > 8 {
			requestID = requestID[:8]
		}
		log.Printf("[API] %s | %s %s | %d | %v | %s",
			requestID,
			method,
			path,
			c.Writer.Status(),
			time.Since(start),
			c.ClientIP(),
		)
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine errors onto user-safe responses. Only
// validation detail is echoed; everything else gets a generic message.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "not found")
	case errors.Is(err, context.DeadlineExceeded):
		respondError(c, http.StatusGatewayTimeout, "TIMEOUT", "request took too long to process")
	default:
		switch agenterr.CodeOf(err) {
		case agenterr.CodeValidation:
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		case agenterr.CodeNetwork:
			log.Printf("❌ [api] %s: %v", c.Request.URL.Path, err)
			respondError(c, http.StatusBadGateway, "UPSTREAM_ERROR", "upstream unavailable, please retry")
		default:
			log.Printf("❌ [api] %s: %v", c.Request.URL.Path, err)
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		}
	}
}
