package handlers

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratelimit-service/internal/middleware"
	"github.com/serroba/ratelimit-service/internal/ratelimit"
)

// RegisterRoutes registers the quota route and, when adminToken is set, the
// admin routes behind bearer authentication.
func RegisterRoutes(api huma.API, h *AdminHandler, adminToken string) {
	huma.Register(api, huma.Operation{
		OperationID: "get-quota",
		Method:      http.MethodGet,
		Path:        "/api/quota",
		Summary:     "Caller quota",
		Description: "Returns the caller's usage of the api category.",
		Tags:        []string{"Quota"},
	}, h.Quota)

	if adminToken == "" {
		return
	}

	admin := map[string]any{
		ratelimit.MetadataKey: ratelimit.EndpointConfig{Category: ratelimit.CategoryAdmin},
	}
	auth := huma.Middlewares{middleware.AdminAuth(api, adminToken)}

	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/admin/ratelimit/policies",
		Summary:     "List rate limit policies",
		Tags:        []string{"Admin"},
		Metadata:    admin,
		Middlewares: auth,
	}, h.ListPolicies)

	huma.Register(api, huma.Operation{
		OperationID: "get-stats",
		Method:      http.MethodGet,
		Path:        "/admin/ratelimit/stats",
		Summary:     "Rate limiter statistics",
		Tags:        []string{"Admin"},
		Metadata:    admin,
		Middlewares: auth,
	}, h.Stats)

	huma.Register(api, huma.Operation{
		OperationID: "get-usage",
		Method:      http.MethodGet,
		Path:        "/admin/ratelimit/usage/{identifier}",
		Summary:     "Inspect usage",
		Description: "Returns per-category usage for an identifier without consuming quota.",
		Tags:        []string{"Admin"},
		Metadata:    admin,
		Middlewares: auth,
	}, h.GetUsage)

	huma.Register(api, huma.Operation{
		OperationID:   "reset-usage",
		Method:        http.MethodDelete,
		Path:          "/admin/ratelimit/usage/{identifier}",
		Summary:       "Reset usage",
		Description:   "Forgets every request log held for an identifier.",
		Tags:          []string{"Admin"},
		DefaultStatus: http.StatusNoContent,
		Metadata:      admin,
		Middlewares:   auth,
	}, h.ResetUsage)

	huma.Register(api, huma.Operation{
		OperationID: "list-denials",
		Method:      http.MethodGet,
		Path:        "/admin/ratelimit/denials",
		Summary:     "Recent denials",
		Tags:        []string{"Admin"},
		Metadata:    admin,
		Middlewares: auth,
	}, h.RecentDenials)
}
