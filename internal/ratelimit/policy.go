package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrEmptyPolicy    = errors.New("policy has no categories")
	ErrUnknownDefault = errors.New("default category has no limit")
	ErrInvalidLimit   = errors.New("capacity and window must be positive")
)

// Category names a rate limit policy bucket.
type Category string

const (
	CategoryAuth   Category = "auth"
	CategoryAPI    Category = "api"
	CategoryUpload Category = "upload"
	CategoryCreate Category = "create"
	CategoryAdmin  Category = "admin"
)

// LimitConfig is the policy of a single category: at most Capacity requests
// in any trailing Window.
type LimitConfig struct {
	Capacity int64         `json:"capacity"`
	Window   time.Duration `json:"window"`
}

// Policy maps categories to their limits. Lookups for unknown categories
// fall back to the Default category.
type Policy struct {
	Limits  map[Category]LimitConfig
	Default Category
}

// Resolve returns the category that will actually be enforced for c together
// with its limits. Unknown categories resolve to the default category.
func (p *Policy) Resolve(c Category) (Category, LimitConfig) {
	if cfg, ok := p.Limits[c]; ok {
		return c, cfg
	}

	return p.Default, p.Limits[p.Default]
}

// MaxWindow returns the largest window across all categories.
func (p *Policy) MaxWindow() time.Duration {
	var longest time.Duration

	for _, cfg := range p.Limits {
		if cfg.Window > longest {
			longest = cfg.Window
		}
	}

	return longest
}

// Validate reports whether the policy can be enforced.
func (p *Policy) Validate() error {
	if len(p.Limits) == 0 {
		return ErrEmptyPolicy
	}

	if _, ok := p.Limits[p.Default]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDefault, p.Default)
	}

	for c, cfg := range p.Limits {
		if cfg.Capacity <= 0 || cfg.Window <= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidLimit, c)
		}
	}

	return nil
}

// Categories returns the configured categories in name order.
func (p *Policy) Categories() []Category {
	out := make([]Category, 0, len(p.Limits))
	for c := range p.Limits {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

// PolicyBuilder assembles a Policy.
type PolicyBuilder struct {
	policy *Policy
}

// NewPolicyBuilder creates an empty builder whose default category is api.
func NewPolicyBuilder() *PolicyBuilder {
	return &PolicyBuilder{
		policy: &Policy{
			Limits:  make(map[Category]LimitConfig),
			Default: CategoryAPI,
		},
	}
}

// AddLimit sets the limit for a category, replacing any previous one.
func (b *PolicyBuilder) AddLimit(c Category, capacity int64, window time.Duration) *PolicyBuilder {
	b.policy.Limits[c] = LimitConfig{Capacity: capacity, Window: window}

	return b
}

// WithDefault changes the category used for unknown names.
func (b *PolicyBuilder) WithDefault(c Category) *PolicyBuilder {
	b.policy.Default = c

	return b
}

// Build returns the assembled policy.
func (b *PolicyBuilder) Build() *Policy {
	return b.policy
}

// DefaultPolicy returns the startup category table.
func DefaultPolicy() *Policy {
	return NewPolicyBuilder().
		AddLimit(CategoryAuth, 5, time.Minute).
		AddLimit(CategoryAPI, 100, time.Minute).
		AddLimit(CategoryUpload, 10, time.Minute).
		AddLimit(CategoryCreate, 20, time.Minute).
		AddLimit(CategoryAdmin, 200, time.Minute).
		Build()
}
