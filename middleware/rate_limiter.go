// Package middleware provides gin integration for the refill limiter.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/KOMKZ/go-refill-limiter/refill"
)

// RateLimiterConfig configures the rate limiting middleware.
type RateLimiterConfig struct {
	// Registry limiter registry (required)
	Registry *refill.Registry

	// KeyFunc derives the limiter name from the request (default: method:path)
	KeyFunc func(*gin.Context) string

	// ErrorHandler handles limiter setup errors (default: let the request through)
	ErrorHandler func(*gin.Context, error)

	// RateLimitHandler renders the rejection (default: 429 JSON + abort)
	RateLimitHandler func(*gin.Context)

	// SkipFunc optional predicate to bypass limiting for a request
	SkipFunc func(*gin.Context) bool

	// SkipPaths paths that bypass limiting entirely
	SkipPaths []string
}

// DefaultRateLimiterConfig returns the default middleware configuration.
func DefaultRateLimiterConfig(registry *refill.Registry) RateLimiterConfig {
	return RateLimiterConfig{
		Registry:         registry,
		KeyFunc:          RateLimiterKeyByRoute,
		ErrorHandler:     func(c *gin.Context, err error) { c.Next() },
		RateLimitHandler: defaultRateLimitHandler,
		SkipPaths:        []string{},
	}
}

// RateLimiterKeyByRoute keys limiters by "method:path".
func RateLimiterKeyByRoute(c *gin.Context) string {
	return fmt.Sprintf("%s:%s", strings.ToLower(c.Request.Method), c.Request.URL.Path)
}

// RateLimiterKeyByIP keys limiters by client IP.
func RateLimiterKeyByIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

func defaultRateLimitHandler(c *gin.Context) {
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":   "Rate limit exceeded",
		"message": "too many requests, please retry later",
	})
	c.Abort()
}

// RateLimiter creates rate limiting middleware with default settings.
//
// Usage:
//
//	engine.Use(middleware.RateLimiter(registry))
//
//	cfg := middleware.DefaultRateLimiterConfig(registry)
//	cfg.KeyFunc = middleware.RateLimiterKeyByIP
//	cfg.SkipPaths = []string{"/health", "/metrics"}
//	engine.Use(middleware.RateLimiterWithConfig(cfg))
func RateLimiter(registry *refill.Registry) gin.HandlerFunc {
	return RateLimiterWithConfig(DefaultRateLimiterConfig(registry))
}

// RateLimiterWithConfig creates rate limiting middleware. Each request
// acquires one permit from the limiter selected by KeyFunc, blocking up
// to the limiter's configured timeout. Rejected requests get a
// Retry-After header derived from the limiter's current wait estimate.
func RateLimiterWithConfig(cfg RateLimiterConfig) gin.HandlerFunc {
	if cfg.Registry == nil {
		panic("RateLimiterConfig.Registry cannot be nil")
	}

	if cfg.KeyFunc == nil {
		cfg.KeyFunc = RateLimiterKeyByRoute
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c *gin.Context, err error) { c.Next() }
	}
	if cfg.RateLimitHandler == nil {
		cfg.RateLimitHandler = defaultRateLimitHandler
	}

	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		if skipPaths[c.Request.URL.Path] {
			c.Next()
			return
		}
		if cfg.SkipFunc != nil && cfg.SkipFunc(c) {
			c.Next()
			return
		}

		limiter, err := cfg.Registry.GetOrCreate(cfg.KeyFunc(c))
		if err != nil {
			cfg.ErrorHandler(c, err)
			return
		}

		if limiter.AcquirePermission(c.Request.Context(), 1) {
			c.Next()
			return
		}

		if wait := limiter.Metrics().NanosToWait; wait > 0 {
			seconds := int64(time.Duration(wait).Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.FormatInt(seconds, 10))
		}
		cfg.RateLimitHandler(c)
	}
}
