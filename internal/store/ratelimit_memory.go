package store

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/serroba/ratelimit-service/internal/ratelimit"
)

const shardCount = 64

type shard struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

// RateLimitMemoryStore is an in-memory implementation of ratelimit.Store.
// Logs are spread across shards by key hash so unrelated identifiers rarely
// contend on the same lock.
type RateLimitMemoryStore struct {
	shards [shardCount]*shard
}

// NewRateLimitMemoryStore creates a new in-memory rate limit store.
func NewRateLimitMemoryStore() *RateLimitMemoryStore {
	s := &RateLimitMemoryStore{}
	for i := range s.shards {
		s.shards[i] = &shard{logs: make(map[string][]time.Time)}
	}

	return s
}

func (s *RateLimitMemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *RateLimitMemoryStore) Record(key string, now time.Time, window time.Duration, capacity int64) ratelimit.Usage {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	valid, oldest := prune(sh.logs[key], now.Add(-window))
	usage := ratelimit.Usage{Count: int64(len(valid)), Oldest: oldest}

	if usage.Count < capacity {
		valid = append(valid, now)
		usage.Admitted = true

		if oldest.IsZero() {
			usage.Oldest = now
		}
	}

	if len(valid) == 0 {
		delete(sh.logs, key)
	} else {
		sh.logs[key] = valid
	}

	return usage
}

func (s *RateLimitMemoryStore) Peek(key string, now time.Time, window time.Duration) ratelimit.Usage {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cutoff := now.Add(-window)

	var usage ratelimit.Usage

	for _, ts := range sh.logs[key] {
		if !ts.After(cutoff) {
			continue
		}

		usage.Count++

		if usage.Oldest.IsZero() || ts.Before(usage.Oldest) {
			usage.Oldest = ts
		}
	}

	return usage
}

// Sweep prunes every log. Each shard lock is held only long enough to
// snapshot its keys or prune a single log.
func (s *RateLimitMemoryStore) Sweep(cutoff time.Time) ratelimit.SweepResult {
	var result ratelimit.SweepResult

	for _, sh := range s.shards {
		sh.mu.Lock()
		keys := make([]string, 0, len(sh.logs))

		for key := range sh.logs {
			keys = append(keys, key)
		}
		sh.mu.Unlock()

		for _, key := range keys {
			sh.mu.Lock()

			if log, ok := sh.logs[key]; ok {
				before := len(log)
				valid, _ := prune(log, cutoff)
				result.DroppedTimestamps += before - len(valid)

				if len(valid) == 0 {
					delete(sh.logs, key)
					result.EvictedKeys++
				} else {
					sh.logs[key] = valid
				}
			}

			sh.mu.Unlock()
		}

		sh.mu.Lock()
		result.RemainingKeys += len(sh.logs)
		sh.mu.Unlock()
	}

	return result
}

func (s *RateLimitMemoryStore) Delete(key string) bool {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.logs[key]
	delete(sh.logs, key)

	return ok
}

func (s *RateLimitMemoryStore) Len() int {
	n := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.logs)
		sh.mu.Unlock()
	}

	return n
}

// prune filters log in place, keeping timestamps after cutoff, and returns
// the oldest kept timestamp.
func prune(log []time.Time, cutoff time.Time) ([]time.Time, time.Time) {
	valid := log[:0]

	var oldest time.Time

	for _, ts := range log {
		if !ts.After(cutoff) {
			continue
		}

		valid = append(valid, ts)

		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}

	// Clear the tail so dropped timestamps do not pin the backing array.
	clear(log[len(valid):])

	return valid, oldest
}

// Compile-time check.
var _ ratelimit.Store = (*RateLimitMemoryStore)(nil)
