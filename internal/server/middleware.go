package server

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/sitebridge/internal/observability/logger"
	"github.com/smallbiznis/sitebridge/internal/orgcontext"
	"go.uber.org/zap"
)

const HeaderOrg = "X-Org-ID"

// OrgContext reads the tenant id set by the upstream application's auth
// layer and puts it on the request context.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		orgID, err := snowflake.ParseString(raw)
		if raw == "" || err != nil || orgID <= 0 {
			AbortWithError(c, ErrOrgRequired)
			return
		}
		c.Request = c.Request.WithContext(orgcontext.WithOrgID(c.Request.Context(), orgID))
		c.Next()
	}
}

func orgIDFrom(c *gin.Context) snowflake.ID {
	orgID, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	return orgID
}

// CronAuth guards scheduler-triggered endpoints with a shared bearer secret.
// With no secret configured every call is rejected.
func (s *Server) CronAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.CronSecret
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if secret == "" || !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Request = c.Request.WithContext(orgcontext.WithActor(c.Request.Context(), "system", "cron"))
		c.Next()
	}
}

// PortalRateLimit applies the per-IP token bucket for an unauthenticated
// portal endpoint. A limiter backend failure rejects the request.
func (s *Server) PortalRateLimit(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		result, err := s.limiter.Allow(ctx, endpoint, c.ClientIP())
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("portal.rate_limit.check_failed",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			s.metrics.IncRateLimitDenied(endpoint)
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func parseIDParam(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param(name)))
	if err != nil || id <= 0 {
		return 0, newValidationError(name, "invalid_"+name, "invalid id")
	}
	return id, nil
}
