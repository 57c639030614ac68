package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/sitebridge/internal/config"
)

const (
	EndpointPortalAuth = "portal_auth"
	EndpointPINVerify  = "pin_verify"

	keyPortalEndpoint = "portal:%s:ip:%s"
)

type bucketLimit struct {
	rate  float64
	burst int
}

// PortalLimiter throttles the unauthenticated portal endpoints per client IP.
// A nil limiter allows everything.
type PortalLimiter struct {
	bucket *TokenBucket
	limits map[string]bucketLimit
}

func NewPortalLimiter(client *redis.Client, cfg config.Config) *PortalLimiter {
	if client == nil {
		return nil
	}
	return &PortalLimiter{
		bucket: NewTokenBucket(client),
		limits: map[string]bucketLimit{
			EndpointPortalAuth: {rate: cfg.RateLimit.PortalAuthRate, burst: cfg.RateLimit.PortalAuthBurst},
			EndpointPINVerify:  {rate: cfg.RateLimit.PINVerifyRate, burst: cfg.RateLimit.PINVerifyBurst},
		},
	}
}

func (l *PortalLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *PortalLimiter) Allow(ctx context.Context, endpoint, clientIP string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	limit, ok := l.limits[endpoint]
	if !ok || limit.rate <= 0 || limit.burst <= 0 {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyPortalEndpoint, endpoint, strings.TrimSpace(clientIP))
	return l.bucket.Allow(ctx, key, limit.rate, limit.burst)
}
