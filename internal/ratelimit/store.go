package ratelimit

import "time"

// Usage describes a request log after pruning.
type Usage struct {
	// Count is the number of timestamps inside the window before this request.
	Count int64
	// Admitted reports whether the current timestamp was appended.
	Admitted bool
	// Oldest is the oldest timestamp still inside the window (zero if none).
	Oldest time.Time
}

// SweepResult summarises one cleanup pass.
type SweepResult struct {
	EvictedKeys       int
	DroppedTimestamps int
	RemainingKeys     int
}

// Store holds request logs. Implementations must be safe for concurrent use
// and must make Record atomic with respect to other calls for the same key.
type Store interface {
	// Record drops timestamps at or before now-window and appends now when
	// fewer than capacity remain.
	Record(key string, now time.Time, window time.Duration, capacity int64) Usage
	// Peek reports usage without modifying the log.
	Peek(key string, now time.Time, window time.Duration) Usage
	// Sweep drops timestamps at or before cutoff and removes empty logs.
	Sweep(cutoff time.Time) SweepResult
	// Delete removes a log and reports whether it existed.
	Delete(key string) bool
	// Len returns the number of tracked logs.
	Len() int
}
