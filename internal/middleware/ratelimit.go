package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/R3E-Network/yieldvault/internal/authz"
	svcerrors "github.com/R3E-Network/yieldvault/internal/errors"
	"github.com/R3E-Network/yieldvault/internal/httputil"
	"github.com/R3E-Network/yieldvault/pkg/logger"
)

// maxLimiters bounds the limiter table before Cleanup resets it.
const maxLimiters = 10000

// RateLimiter provides per-caller token buckets
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	logger   *logger.Logger
}

// NewRateLimiter creates a new rate limiter. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64, burst int, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		logger:   log,
	}
}

// getLimiter returns the limiter for key (caller identity or client IP)
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if rl.rate <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := string(authz.CallerFrom(r.Context()))
		if key == "" {
			key = clientIP(r)
		}

		if !rl.getLimiter(key).Allow() {
			rl.logger.WithField("key", key).
				WithField("path", r.URL.Path).
				WithField("method", r.Method).
				Warn("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			httputil.WriteError(w, r, svcerrors.ErrRateLimited.WithDetails("limit", float64(rl.rate)))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops every limiter once the table grows past maxLimiters
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > maxLimiters {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

// StartCleanup runs Cleanup every interval until stop is closed
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-stop:
				return
			}
		}
	}()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
