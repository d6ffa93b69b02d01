package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratelimit-service/internal/audit"
	"github.com/serroba/ratelimit-service/internal/middleware"
	"github.com/serroba/ratelimit-service/internal/ratelimit"
	"go.uber.org/zap"
)

// Limiter is the part of the rate limiter exposed over the admin API.
type Limiter interface {
	Usage(identifier string, category ratelimit.Category) ratelimit.Info
	Reset(identifier string) bool
	Tracked() int
	Policy() *ratelimit.Policy
	CleanupInterval() time.Duration
}

// AdminHandler serves rate limit administration and the caller quota endpoint.
type AdminHandler struct {
	limiter Limiter
	denials audit.Store
	logger  *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(limiter Limiter, denials audit.Store, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		limiter: limiter,
		denials: denials,
		logger:  logger,
	}
}

func (h *AdminHandler) ListPolicies(_ context.Context, _ *struct{}) (*PoliciesResponse, error) {
	policy := h.limiter.Policy()

	resp := &PoliciesResponse{}
	resp.Body.DefaultCategory = string(policy.Default)
	resp.Body.Limits = make([]CategoryLimit, 0, len(policy.Limits))

	for _, c := range policy.Categories() {
		cfg := policy.Limits[c]
		resp.Body.Limits = append(resp.Body.Limits, CategoryLimit{
			Category:      string(c),
			Capacity:      cfg.Capacity,
			WindowSeconds: int64(cfg.Window / time.Second),
			Default:       c == policy.Default,
		})
	}

	return resp, nil
}

func (h *AdminHandler) Stats(_ context.Context, _ *struct{}) (*StatsResponse, error) {
	resp := &StatsResponse{}
	resp.Body.TrackedKeys = h.limiter.Tracked()
	resp.Body.MaxWindowSeconds = int64(h.limiter.Policy().MaxWindow() / time.Second)
	resp.Body.CleanupIntervalSeconds = int64(h.limiter.CleanupInterval() / time.Second)

	return resp, nil
}

func (h *AdminHandler) GetUsage(_ context.Context, req *UsageRequest) (*UsageResponse, error) {
	policy := h.limiter.Policy()

	resp := &UsageResponse{}
	resp.Body.Identifier = req.Identifier
	resp.Body.Quotas = make([]Quota, 0, len(policy.Limits))

	for _, c := range policy.Categories() {
		resp.Body.Quotas = append(resp.Body.Quotas, quotaFromInfo(h.limiter.Usage(req.Identifier, c)))
	}

	return resp, nil
}

func (h *AdminHandler) ResetUsage(_ context.Context, req *UsageRequest) (*ResetResponse, error) {
	if !h.limiter.Reset(req.Identifier) {
		return nil, huma.Error404NotFound("identifier is not tracked")
	}

	h.logger.Info("rate limit usage reset", zap.String("identifier", req.Identifier))

	return &ResetResponse{}, nil
}

func (h *AdminHandler) RecentDenials(ctx context.Context, req *DenialsRequest) (*DenialsResponse, error) {
	events, err := h.denials.RecentDenials(ctx, req.Limit)
	if err != nil {
		if errors.Is(err, audit.ErrStoreUnavailable) {
			return nil, huma.Error503ServiceUnavailable("denial history requires a database")
		}

		h.logger.Error("failed to list denials", zap.Error(err))

		return nil, huma.Error500InternalServerError("failed to list denials")
	}

	resp := &DenialsResponse{}
	resp.Body.Denials = events

	if resp.Body.Denials == nil {
		resp.Body.Denials = []audit.DenialEvent{}
	}

	return resp, nil
}

// Quota reports the caller's own usage of the api category. The request
// itself has already been counted by the rate limit middleware.
func (h *AdminHandler) Quota(ctx context.Context, _ *struct{}) (*QuotaResponse, error) {
	identifier := middleware.IdentifierFromContext(ctx)
	if identifier == "" {
		identifier = middleware.MetaFromContext(ctx).ClientIP
	}

	if identifier == "" {
		return nil, huma.Error400BadRequest("unable to identify caller")
	}

	resp := &QuotaResponse{}
	resp.Body.Identifier = identifier
	resp.Body.Quota = quotaFromInfo(h.limiter.Usage(identifier, ratelimit.CategoryAPI))

	return resp, nil
}

func quotaFromInfo(info ratelimit.Info) Quota {
	return Quota{
		Category:      string(info.Category),
		Limit:         info.Limit,
		Used:          info.Current,
		Remaining:     info.Remaining,
		WindowSeconds: int64(info.Window / time.Second),
		ResetAt:       info.ResetTime.UTC(),
	}
}
