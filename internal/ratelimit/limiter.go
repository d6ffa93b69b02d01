package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCleanupInterval is how often the sweeper runs unless configured.
const DefaultCleanupInterval = time.Minute

// Checker decides whether a request may proceed.
type Checker interface {
	Check(identifier string, category Category) (allowed bool, info Info)
}

// Info carries the quota state reported with every decision.
type Info struct {
	// Category is the category that was enforced, after default substitution.
	Category Category
	Limit    int64
	Window   time.Duration
	// Current is the number of requests counted in the window. Set on denials.
	Current int64
	// Remaining is the quota left after this request. Zero on denials.
	Remaining int64
	// ResetTime is when quota frees up: now+window for admitted requests, the
	// moment the oldest counted request leaves the window for denied ones.
	ResetTime time.Time
}

// RetryAfter returns how long a denied caller should wait, relative to now.
func (i Info) RetryAfter(now time.Time) time.Duration {
	d := i.ResetTime.Sub(now)
	if d < 0 {
		return 0
	}

	return d
}

// Observer receives limiter events, typically for metrics.
type Observer interface {
	ObserveDecision(category Category, allowed bool)
	ObserveSweep(result SweepResult, elapsed time.Duration)
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithCleanupInterval sets the sweep period. A non-positive interval disables
// the background sweeper; Sweep can still be called directly.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *RateLimiter) {
		l.cleanupInterval = d
	}
}

// WithObserver registers an observer for decisions and sweeps.
func WithObserver(o Observer) Option {
	return func(l *RateLimiter) {
		l.observer = o
	}
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(logger *zap.Logger) Option {
	return func(l *RateLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// RateLimiter enforces per-identifier, per-category sliding window limits.
type RateLimiter struct {
	store           Store
	policy          *Policy
	now             func() time.Time
	cleanupInterval time.Duration
	observer        Observer
	logger          *zap.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter over store and starts its sweeper.
// Callers own the returned limiter and must call Shutdown when done.
func NewRateLimiter(store Store, policy *Policy, opts ...Option) *RateLimiter {
	l := &RateLimiter{
		store:           store,
		policy:          policy,
		now:             time.Now,
		cleanupInterval: DefaultCleanupInterval,
		logger:          zap.NewNop(),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.cleanupInterval > 0 {
		go l.sweepLoop()
	} else {
		close(l.done)
	}

	return l
}

// Check admits or rejects one request for identifier under category.
// Rejected requests are not recorded and do not consume quota.
func (l *RateLimiter) Check(identifier string, category Category) (bool, Info) {
	enforced, cfg := l.policy.Resolve(category)
	now := l.now()

	usage := l.store.Record(Key(identifier, enforced), now, cfg.Window, cfg.Capacity)

	info := Info{
		Category: enforced,
		Limit:    cfg.Capacity,
		Window:   cfg.Window,
	}

	if !usage.Admitted {
		info.Current = usage.Count
		info.ResetTime = usage.Oldest.Add(cfg.Window)

		if usage.Oldest.IsZero() {
			info.ResetTime = now.Add(cfg.Window)
		}
	} else {
		info.Remaining = cfg.Capacity - usage.Count - 1
		info.ResetTime = now.Add(cfg.Window)
	}

	if l.observer != nil {
		l.observer.ObserveDecision(enforced, usage.Admitted)
	}

	return usage.Admitted, info
}

// Usage reports the quota state for identifier under category without
// consuming any of it.
func (l *RateLimiter) Usage(identifier string, category Category) Info {
	enforced, cfg := l.policy.Resolve(category)
	now := l.now()

	usage := l.store.Peek(Key(identifier, enforced), now, cfg.Window)

	info := Info{
		Category:  enforced,
		Limit:     cfg.Capacity,
		Window:    cfg.Window,
		Current:   usage.Count,
		Remaining: max(cfg.Capacity-usage.Count, 0),
		ResetTime: now.Add(cfg.Window),
	}

	if !usage.Oldest.IsZero() {
		info.ResetTime = usage.Oldest.Add(cfg.Window)
	}

	return info
}

// Reset forgets every category log for identifier and reports whether
// anything was tracked.
func (l *RateLimiter) Reset(identifier string) bool {
	removed := false

	for _, c := range l.policy.Categories() {
		if l.store.Delete(Key(identifier, c)) {
			removed = true
		}
	}

	return removed
}

// Sweep drops timestamps older than the largest configured window and
// evicts empty logs.
func (l *RateLimiter) Sweep() SweepResult {
	start := time.Now()
	cutoff := l.now().Add(-l.policy.MaxWindow())

	result := l.store.Sweep(cutoff)

	if l.observer != nil {
		l.observer.ObserveSweep(result, time.Since(start))
	}

	return result
}

// Tracked returns the number of logs currently held.
func (l *RateLimiter) Tracked() int {
	return l.store.Len()
}

// Policy returns the enforced policy.
func (l *RateLimiter) Policy() *Policy {
	return l.policy
}

// CleanupInterval returns the sweep period, zero when the sweeper is off.
func (l *RateLimiter) CleanupInterval() time.Duration {
	return max(l.cleanupInterval, 0)
}

func (l *RateLimiter) sweepLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			result := l.Sweep()
			if result.EvictedKeys > 0 {
				l.logger.Debug("rate limit sweep",
					zap.Int("evicted", result.EvictedKeys),
					zap.Int("dropped", result.DroppedTimestamps),
					zap.Int("remaining", result.RemainingKeys),
				)
			}
		}
	}
}

// Shutdown stops the sweeper and waits for it to exit. It is safe to call
// more than once.
func (l *RateLimiter) Shutdown() error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done

	return nil
}

// Key builds the store key for an identifier and category.
func Key(identifier string, category Category) string {
	return string(category) + ":" + identifier
}
