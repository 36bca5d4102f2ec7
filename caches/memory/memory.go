// Package memory provides the in-process cache backend: an LRU store
// bounded by both entry count and total byte size.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/llmcache/pkg/cache"
)

// Store implements cache.Backend with a hash map over a doubly-linked
// list. The list front is the most recently used entry. Map, list, and
// the byte counter form a single critical section under one mutex so the
// LRU position always agrees with map state and size totals.
type Store struct {
	mu          sync.Mutex
	items       map[string]*list.Element
	lru         *list.List // of *cache.Entry
	currentSize int64

	maxEntries   int
	maxSizeBytes int64
	onEvict      cache.EvictFunc
}

// Config holds configuration for the memory store.
type Config struct {
	MaxEntries   int             // Maximum number of entries (default: 1000)
	MaxSizeBytes int64           // Maximum total entry size in bytes (default: 100MB)
	OnEvict      cache.EvictFunc // Notified on capacity eviction and expiration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:   1000,
		MaxSizeBytes: 100 * 1024 * 1024,
	}
}

// New creates a new in-memory store.
func New(cfg Config) *Store {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = 100 * 1024 * 1024
	}
	return &Store{
		items:        make(map[string]*list.Element),
		lru:          list.New(),
		maxEntries:   cfg.MaxEntries,
		maxSizeBytes: cfg.MaxSizeBytes,
		onEvict:      cfg.OnEvict,
	}
}

// Get returns the entry for key, promoting it to MRU. Expired entries are
// removed and reported as absent. The returned entry is a copy; mutating
// it does not affect the store.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cache.Entry)
	if entry.Expired(now) {
		s.removeLocked(elem, cache.EvictTTL)
		return nil, nil
	}

	entry.Touch(now)
	s.lru.MoveToFront(elem)
	return entry.Clone(), nil
}

// Set stores the entry, evicting from the LRU tail until both bounds
// admit it. Replacing an existing key moves it to MRU and adjusts the
// byte total by the size delta. A single entry larger than the byte bound
// is still admitted once the store has been drained.
func (s *Store) Set(ctx context.Context, key string, entry *cache.Entry) error {
	stored := entry.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		old := elem.Value.(*cache.Entry)
		s.currentSize += stored.SizeBytes - old.SizeBytes
		elem.Value = stored
		s.lru.MoveToFront(elem)
		return nil
	}

	for s.lru.Len() > 0 &&
		(s.lru.Len() >= s.maxEntries || s.currentSize+stored.SizeBytes > s.maxSizeBytes) {
		s.removeLocked(s.lru.Back(), cache.EvictLRU)
	}

	s.items[key] = s.lru.PushFront(stored)
	s.currentSize += stored.SizeBytes
	return nil
}

// Delete removes the entry and reports whether one was removed. No evict
// notification is emitted; explicit deletes are the caller's own events.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false, nil
	}

	entry := elem.Value.(*cache.Entry)
	s.lru.Remove(elem)
	delete(s.items, entry.Key)
	s.currentSize -= entry.SizeBytes
	return true, nil
}

// Clear removes all entries.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.lru.Init()
	s.currentSize = 0
	return nil
}

// Keys lists all stored keys in MRU-to-LRU order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, s.lru.Len())
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*cache.Entry).Key)
	}
	return keys, nil
}

// Size returns the current entry count.
func (s *Store) Size(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len(), nil
}

// SizeBytes returns the current byte total of live entries.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSize
}

// Has reports whether a live entry exists for key, removing it if it
// turns out to be expired. The LRU position is not affected.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return false, nil
	}
	if elem.Value.(*cache.Entry).Expired(time.Now()) {
		s.removeLocked(elem, cache.EvictTTL)
		return false, nil
	}
	return true, nil
}

// RemoveExpired scans all entries once and deletes every expired one,
// returning how many were removed.
func (s *Store) RemoveExpired(ctx context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	var next *list.Element
	for elem := s.lru.Front(); elem != nil; elem = next {
		next = elem.Next()
		if elem.Value.(*cache.Entry).Expired(now) {
			s.removeLocked(elem, cache.EvictTTL)
			removed++
		}
	}
	return removed, nil
}

// Entries returns copies of all live entries in MRU-to-LRU order without
// touching access metadata.
func (s *Store) Entries(ctx context.Context) ([]*cache.Entry, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*cache.Entry, 0, s.lru.Len())
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		entry := elem.Value.(*cache.Entry)
		if entry.Expired(now) {
			continue
		}
		entries = append(entries, entry.Clone())
	}
	return entries, nil
}

// HealthCheck always succeeds for the in-process store.
func (s *Store) HealthCheck(ctx context.Context) (bool, error) {
	return true, nil
}

// Close clears the store.
func (s *Store) Close() error {
	return s.Clear(context.Background())
}

// removeLocked unlinks the element and notifies the evict hook. Callers
// must hold s.mu.
func (s *Store) removeLocked(elem *list.Element, reason cache.EvictReason) {
	entry := elem.Value.(*cache.Entry)
	s.lru.Remove(elem)
	delete(s.items, entry.Key)
	s.currentSize -= entry.SizeBytes

	if s.onEvict != nil {
		s.onEvict(entry.Key, reason, entry.SizeBytes)
	}
}
