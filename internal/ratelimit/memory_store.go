package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultMemoryMaxKeys = 100_000

// MemoryStore is the in-process QuotaStore. Windows live in an LRU so keys
// that are never touched again are eventually evicted; an evicted key starts
// over with an empty window.
type MemoryStore struct {
	mu      sync.Mutex
	windows *lru.Cache[string, *memoryWindow]
}

type memoryWindow struct {
	entries []int64 // ms since epoch, insertion order
}

func NewMemoryStore(maxKeys int) (*MemoryStore, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultMemoryMaxKeys
	}
	cache, err := lru.New[string, *memoryWindow](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("creating memory quota cache: %w", err)
	}
	return &MemoryStore{windows: cache}, nil
}

// Take implements QuotaStore. The whole step runs under one lock.
func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Usage, error) {
	if key == "" {
		return Usage{}, fmt.Errorf("key is required")
	}
	if limit <= 0 {
		return Usage{}, fmt.Errorf("limit must be positive, got %d", limit)
	}

	nowMS := now.UnixMilli()
	cutoff := nowMS - window.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows.Get(key)
	if !ok {
		w = &memoryWindow{}
		s.windows.Add(key, w)
	}
	w.prune(cutoff)

	n := len(w.entries)
	if n >= limit {
		return Usage{Allowed: false, Count: n, Oldest: time.UnixMilli(w.oldest())}, nil
	}
	w.entries = append(w.entries, nowMS)
	return Usage{Allowed: true, Count: n + 1, Oldest: time.UnixMilli(w.oldest())}, nil
}

// Len reports how many keys currently hold a window.
func (s *MemoryStore) Len() int {
	return s.windows.Len()
}

func (w *memoryWindow) prune(cutoff int64) {
	kept := w.entries[:0]
	for _, ts := range w.entries {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	w.entries = kept
}

// oldest must only be called on a non-empty window. Wall clock steps can
// append out of order, so the minimum is scanned rather than assumed at [0].
func (w *memoryWindow) oldest() int64 {
	least := w.entries[0]
	for _, ts := range w.entries[1:] {
		if ts < least {
			least = ts
		}
	}
	return least
}
