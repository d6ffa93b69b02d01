package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratelimit-service/internal/audit"
	"github.com/serroba/ratelimit-service/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// DenialPublisher publishes rate limit denials.
type DenialPublisher interface {
	PublishDenial(event *audit.DenialEvent) error
}

// UserIDFunc returns the authenticated user ID, or "" for anonymous callers.
type UserIDFunc func(ctx huma.Context) string

// UserIDFromHeader reads the user ID from a header set by an upstream
// authenticating proxy. The proxy must strip or overwrite the header on
// inbound requests, otherwise clients pick their own identifier. An empty
// name never yields a user ID.
func UserIDFromHeader(name string) UserIDFunc {
	return func(ctx huma.Context) string {
		if name == "" {
			return ""
		}

		return strings.TrimSpace(ctx.Header(name))
	}
}

type identifierKey struct{}

// ContextWithIdentifier stores the rate limit identifier of the caller.
func ContextWithIdentifier(ctx context.Context, identifier string) context.Context {
	return context.WithValue(ctx, identifierKey{}, identifier)
}

// IdentifierFromContext returns the identifier the request was limited under,
// or "" when rate limiting did not run.
func IdentifierFromContext(ctx context.Context) string {
	id, _ := ctx.Value(identifierKey{}).(string)

	return id
}

// RateLimitOption configures the RateLimiter middleware.
type RateLimitOption func(*rateLimitConfig)

type rateLimitConfig struct {
	userID    UserIDFunc
	publisher DenialPublisher
	now       func() time.Time
	logLimit  *rate.Limiter
}

// WithUserID sets how authenticated callers are recognised.
func WithUserID(fn UserIDFunc) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.userID = fn
	}
}

// WithDenialPublisher publishes an audit event for every denied request.
func WithDenialPublisher(p DenialPublisher) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.publisher = p
	}
}

// WithNow replaces time.Now when computing Retry-After.
func WithNow(now func() time.Time) RateLimitOption {
	return func(c *rateLimitConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDenialLogRate caps how many denials per second are logged at warn level.
func WithDenialLogRate(perSecond float64, burst int) RateLimitOption {
	return func(c *rateLimitConfig) {
		c.logLimit = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// RateLimiter returns a Huma middleware that enforces the sliding window limits
// of checker. The identifier is the user ID when known, otherwise the client IP.
// The category comes from resolver.
//
// Per-endpoint configuration can be provided via operation metadata using
// ratelimit.MetadataKey to override the category or disable limiting.
func RateLimiter(
	api huma.API,
	checker ratelimit.Checker,
	resolver ratelimit.CategoryResolver,
	logger *zap.Logger,
	opts ...RateLimitOption,
) func(ctx huma.Context, next func(huma.Context)) {
	cfg := &rateLimitConfig{
		now:      time.Now,
		logLimit: rate.NewLimiter(rate.Limit(10), 20),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		if ec := ratelimit.GetEndpointConfig(ctx); ec != nil && ec.Disabled {
			logger.Debug("rate limiting disabled for endpoint",
				zap.String("path", ctx.URL().Path), zap.String("method", ctx.Method()))
			next(ctx)

			return
		}

		meta := MetaFromContext(ctx.Context())
		if meta.ClientIP == "" {
			meta.ClientIP = clientIP(ctx)
		}

		var userID string
		if cfg.userID != nil {
			userID = cfg.userID(ctx)
		}

		identifier := ratelimit.Identifier(userID, meta.ClientIP)

		allowed, info := checker.Check(identifier, resolver.Resolve(ctx))

		setQuotaHeaders(ctx, info)

		if allowed {
			next(huma.WithContext(ctx, ContextWithIdentifier(ctx.Context(), identifier)))

			return
		}

		retryAfter := retryAfterSeconds(info, cfg.now())
		ctx.SetHeader(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))

		cfg.handleDenied(ctx, logger, identifier, meta, info, retryAfter)

		msg := fmt.Sprintf("rate limit exceeded: %s category, %d/%d requests in %s",
			info.Category, info.Current, info.Limit, info.Window)
		_ = huma.WriteErr(api, ctx, http.StatusTooManyRequests, msg)
	}
}

func (c *rateLimitConfig) handleDenied(
	ctx huma.Context,
	logger *zap.Logger,
	identifier string,
	meta Meta,
	info ratelimit.Info,
	retryAfter int64,
) {
	if c.logLimit.Allow() {
		logger.Warn("rate limit exceeded",
			zap.String("path", ctx.URL().Path),
			zap.String("method", ctx.Method()),
			zap.String("identifier", identifier),
			zap.String("category", string(info.Category)),
			zap.Int64("current", info.Current),
			zap.Int64("limit", info.Limit),
			zap.Duration("window", info.Window),
			zap.Int64("retry_after", retryAfter),
		)
	}

	if c.publisher == nil {
		return
	}

	event := &audit.DenialEvent{
		Identifier:        identifier,
		Category:          string(info.Category),
		Method:            ctx.Method(),
		Path:              ctx.URL().Path,
		ClientIP:          meta.ClientIP,
		UserAgent:         meta.UserAgent,
		RequestID:         meta.RequestID,
		Limit:             info.Limit,
		Current:           info.Current,
		RetryAfterSeconds: retryAfter,
		OccurredAt:        c.now().UTC(),
	}

	if err := c.publisher.PublishDenial(event); err != nil {
		logger.Error("failed to publish denial event",
			zap.String("identifier", identifier),
			zap.Error(err),
		)
	}
}

func setQuotaHeaders(ctx huma.Context, info ratelimit.Info) {
	ctx.SetHeader(HeaderLimit, strconv.FormatInt(info.Limit, 10))
	ctx.SetHeader(HeaderRemaining, strconv.FormatInt(info.Remaining, 10))
	ctx.SetHeader(HeaderReset, strconv.FormatInt(info.ResetTime.Unix(), 10))
}

// retryAfterSeconds rounds the wait up to whole seconds, never below one.
func retryAfterSeconds(info ratelimit.Info, now time.Time) int64 {
	secs := int64(math.Ceil(info.RetryAfter(now).Seconds()))
	if secs < 1 {
		return 1
	}

	return secs
}
