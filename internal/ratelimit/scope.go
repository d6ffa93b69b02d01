package ratelimit

import (
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// MetadataKey is the key used to store rate limit config in operation metadata.
const MetadataKey = "rateLimit"

// EndpointConfig overrides category detection for one operation.
// Attach it to a huma.Operation via Metadata[MetadataKey].
type EndpointConfig struct {
	// Category replaces path-based detection when set.
	Category Category

	// Disabled skips rate limiting entirely for this endpoint.
	Disabled bool
}

// CategoryForPath maps a request path to its category.
func CategoryForPath(path string) Category {
	switch {
	case strings.HasPrefix(path, "/auth/"):
		return CategoryAuth
	case strings.HasPrefix(path, "/upload/"):
		return CategoryUpload
	case strings.Contains(path, "/create"),
		strings.Contains(path, "/agents"),
		strings.Contains(path, "/documents"):
		return CategoryCreate
	case strings.HasPrefix(path, "/admin/"):
		return CategoryAdmin
	default:
		return CategoryAPI
	}
}

// Identifier returns the rate limit identifier for a caller: the user id
// when authenticated, otherwise the client IP.
func Identifier(userID, clientIP string) string {
	if userID != "" {
		return "user_" + userID
	}

	return clientIP
}

// CategoryResolver determines which category applies to a given request.
type CategoryResolver interface {
	Resolve(ctx huma.Context) Category
}

// PathResolver resolves categories from the request URL path.
type PathResolver struct{}

// NewPathResolver creates a new path-based category resolver.
func NewPathResolver() *PathResolver {
	return &PathResolver{}
}

// Resolve returns the category for the request path.
func (r *PathResolver) Resolve(ctx huma.Context) Category {
	u := ctx.URL()

	return CategoryForPath(u.Path)
}

// OperationResolver resolves categories by checking operation metadata first,
// then falling back to path-based detection.
type OperationResolver struct {
	fallback *PathResolver
}

// NewOperationResolver creates a new operation-aware category resolver.
func NewOperationResolver() *OperationResolver {
	return &OperationResolver{
		fallback: NewPathResolver(),
	}
}

// Resolve returns the category for a request, checking operation metadata first.
func (r *OperationResolver) Resolve(ctx huma.Context) Category {
	if cfg := GetEndpointConfig(ctx); cfg != nil && cfg.Category != "" {
		return cfg.Category
	}

	return r.fallback.Resolve(ctx)
}

// GetEndpointConfig extracts the EndpointConfig from operation metadata, if present.
func GetEndpointConfig(ctx huma.Context) *EndpointConfig {
	op := ctx.Operation()
	if op == nil || op.Metadata == nil {
		return nil
	}

	cfg, ok := op.Metadata[MetadataKey].(EndpointConfig)
	if !ok {
		return nil
	}

	return &cfg
}
