package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxKeys = 100000

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is a process-local Store. Each key namespace ("rl:user:",
// "rl:ip:") gets its own LRU, so a flood of origin keys cannot evict
// principal windows. Evicting a key resets its window, which only ever errs
// toward admitting.
type MemoryStore struct {
	mu         sync.Mutex
	namespaces map[string]*lru.Cache[string, *memoryWindow]
	maxKeys    int
	now        func() time.Time
}

// MemoryStoreConfig configures a MemoryStore.
type MemoryStoreConfig struct {
	// MaxKeys bounds each namespace separately.
	MaxKeys int
	Now     func() time.Time
}

// NewMemoryStore creates an in-memory window store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = defaultMaxKeys
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &MemoryStore{
		namespaces: make(map[string]*lru.Cache[string, *memoryWindow]),
		maxKeys:    cfg.MaxKeys,
		now:        cfg.Now,
	}
}

// namespace returns the "rl:<scope>:" prefix of key, or "" for other keys.
// The id part may itself contain colons (IPv6).
func namespace(key string) string {
	first := strings.IndexByte(key, ':')
	if first < 0 {
		return ""
	}
	second := strings.IndexByte(key[first+1:], ':')
	if second < 0 {
		return ""
	}
	return key[:first+second+2]
}

// cacheFor returns the LRU of key's namespace. Callers hold s.mu.
func (s *MemoryStore) cacheFor(key string, create bool) *lru.Cache[string, *memoryWindow] {
	ns := namespace(key)
	cache, ok := s.namespaces[ns]
	if !ok && create {
		var err error
		cache, err = lru.New[string, *memoryWindow](s.maxKeys)
		if err != nil {
			// lru.New only fails for a non-positive size, excluded above.
			panic(err)
		}
		s.namespaces[ns] = cache
	}
	return cache
}

// IncrementAndGet implements Store.
func (s *MemoryStore) IncrementAndGet(_ context.Context, key string, window time.Duration) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cache := s.cacheFor(key, true)
	w, ok := cache.Get(key)
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		cache.Add(key, w)
	}
	w.count++
	return w.count, nil
}

// SecondsUntilReset implements Store.
func (s *MemoryStore) SecondsUntilReset(_ context.Context, key string) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	cache := s.cacheFor(key, false)
	if cache == nil {
		return 0, nil
	}
	w, ok := cache.Peek(key)
	if !ok {
		return 0, nil
	}
	return ceilSeconds(w.resetAt.Sub(now)), nil
}

// Len returns the number of tracked keys across all namespaces.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cache := range s.namespaces {
		n += cache.Len()
	}
	return n
}
