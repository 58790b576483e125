// Package middleware provides the gin seam between the presentation layer
// and the throttle core.
package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	appservice "github.com/fit2garmin/throttle/internal/application/service"
	"github.com/fit2garmin/throttle/internal/identity"
	"github.com/fit2garmin/throttle/pkg/logger"
)

// EndpointResolver maps a request to the logical endpoint name its quota is
// keyed by.
type EndpointResolver func(c *gin.Context) string

// RateLimit enforces per-client quotas on every request passing through.
// The core never fails a request for infrastructure reasons, so the only
// abort here is a genuine quota rejection.
func RateLimit(limiter *appservice.LimiterService, resolve EndpointResolver, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := ClientKey(c)
		endpoint := resolve(c)

		result, err := limiter.CheckRateLimit(c.Request.Context(), clientID, endpoint, map[string]string{
			"ip":         c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"path":       c.FullPath(),
		})
		if err != nil {
			// Cannot happen by contract; fail open if it ever does.
			log.Error(c.Request.Context(), "rate limit check errored, failing open", err)
			c.Next()
			return
		}

		if result != nil {
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Max, 10))
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"current":     result.Current,
				"max":         result.Max,
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// ClientKey derives the stable client identity for a request from its
// fingerprint headers, falling back to the remote address.
func ClientKey(c *gin.Context) string {
	fpHash := c.GetHeader("X-Fingerprint-Hash")
	if fpHash == "" {
		return identity.ClientKey(c.ClientIP(), nil)
	}
	return identity.ClientKey(c.ClientIP(), &identity.Fingerprint{
		FingerprintHash:  fpHash,
		UserAgent:        c.Request.UserAgent(),
		ScreenResolution: c.GetHeader("X-Screen-Resolution"),
		Timezone:         c.GetHeader("X-Timezone"),
	})
}
