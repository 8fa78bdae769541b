package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiterOptions configures the rate limiter
type RateLimiterOptions struct {
	// Limit defines requests per second
	Limit rate.Limit
	// Burst defines maximum burst size allowed
	Burst int
	// ExpiryDuration defines how long to keep client state in memory
	ExpiryDuration time.Duration
	// KeyFunc extracts the limiting key from a request (e.g. tenant, IP)
	KeyFunc func(*gin.Context) string
}

// DefaultRateLimiterOptions returns sensible defaults
func DefaultRateLimiterOptions() RateLimiterOptions {
	return RateLimiterOptions{
		Limit:          50,
		Burst:          100,
		ExpiryDuration: time.Hour,
		KeyFunc:        TenantKey,
	}
}

// TenantKey limits per tenant path parameter, falling back to the client IP.
func TenantKey(c *gin.Context) string {
	if tenant := c.Param("tenantId"); tenant != "" {
		return "tenant:" + tenant
	}
	return "ip:" + c.ClientIP()
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements rate limiting middleware for Gin
type RateLimiter struct {
	mu      sync.Mutex
	options RateLimiterOptions
	clients map[string]*client
	logger  *logger.Logger
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(logger *logger.Logger, options ...RateLimiterOptions) *RateLimiter {
	opts := DefaultRateLimiterOptions()
	if len(options) > 0 {
		opts = options[0]
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = TenantKey
	}
	if opts.ExpiryDuration <= 0 {
		opts.ExpiryDuration = time.Hour
	}

	return &RateLimiter{
		options: opts,
		clients: make(map[string]*client),
		logger:  logger,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
}

// Middleware returns a Gin middleware for rate limiting
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	r.once.Do(func() { go r.cleanup() })

	return func(c *gin.Context) {
		key := r.options.KeyFunc(c)
		if !r.Allow(key) {
			r.logger.Warn("rate limit exceeded",
				"client", key,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			c.Header("Retry-After", "1")
			c.Header("X-RateLimit-Limit", strconv.Itoa(r.options.Burst))
			c.Error(errors.NewError(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests. Please try again later."))
			c.Abort()
			return
		}

		c.Next()
	}
}

// Allow consumes one token for key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.clients[key]
	if !exists {
		v = &client{limiter: rate.NewLimiter(r.options.Limit, r.options.Burst)}
		r.clients[key] = v
	}
	v.lastSeen = r.now()
	return v.limiter.AllowN(v.lastSeen, 1)
}

// Close stops the cleanup goroutine.
func (r *RateLimiter) Close() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

func (r *RateLimiter) evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for k, v := range r.clients {
		if now.Sub(v.lastSeen) > r.options.ExpiryDuration {
			delete(r.clients, k)
		}
	}
}

func (r *RateLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evict()
		}
	}
}
