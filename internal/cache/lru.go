package cache

import (
	"container/list"
	"sync"
	"time"
)

// KeyMetrics records per-key access accounting.
type KeyMetrics struct {
	Hits       uint64    `json:"hits"`
	SetAt      time.Time `json:"set_at"`
	LastAccess time.Time `json:"last_access"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// storeItem is a single cached value.
type storeItem struct {
	key        string
	value      interface{}
	setAt      time.Time
	expiresAt  time.Time
	lastAccess time.Time
	hits       uint64
	element    *list.Element
}

// memoryStore is a thread-safe LRU store with per-entry TTL. TTL expiry
// takes precedence over LRU position; updateAgeOnGet extends an entry's
// freshness when it is read.
type memoryStore struct {
	mu             sync.Mutex
	maxEntries     int
	updateAgeOnGet bool
	items          map[string]*storeItem
	evictList      *list.List
	evictions      uint64
}

func newMemoryStore(maxEntries int, updateAgeOnGet bool) *memoryStore {
	return &memoryStore{
		maxEntries:     maxEntries,
		updateAgeOnGet: updateAgeOnGet,
		items:          make(map[string]*storeItem),
		evictList:      list.New(),
	}
}

// Get returns the live value for key. Expired entries are removed and
// reported as absent.
func (s *memoryStore) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[key]
	if !exists {
		return nil, false
	}

	now := time.Now()
	if now.After(item.expiresAt) {
		s.removeItem(item)
		return nil, false
	}

	item.hits++
	item.lastAccess = now
	if s.updateAgeOnGet {
		item.expiresAt = now.Add(item.expiresAt.Sub(item.setAt))
		item.setAt = now
	}
	s.evictList.MoveToFront(item.element)

	return item.value, true
}

// Set stores a value with the given TTL, replacing any existing entry.
func (s *memoryStore) Set(key string, value interface{}, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if item, exists := s.items[key]; exists {
		item.value = value
		item.setAt = now
		item.lastAccess = now
		item.expiresAt = now.Add(ttl)
		s.evictList.MoveToFront(item.element)
		return
	}

	item := &storeItem{
		key:        key,
		value:      value,
		setAt:      now,
		lastAccess: now,
		expiresAt:  now.Add(ttl),
	}
	item.element = s.evictList.PushFront(item)
	s.items[key] = item

	for s.maxEntries > 0 && len(s.items) > s.maxEntries {
		s.evictOldest()
	}
}

// Delete removes an entry if present.
func (s *memoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, exists := s.items[key]; exists {
		s.removeItem(item)
	}
}

// Clear drops every entry.
func (s *memoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*storeItem)
	s.evictList.Init()
}

// Len returns the number of live entries, counting not-yet-reaped expired
// ones.
func (s *memoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Metrics returns per-key accounting for a live entry.
func (s *memoryStore) Metrics(key string) (KeyMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[key]
	if !exists {
		return KeyMetrics{}, false
	}
	return KeyMetrics{
		Hits:       item.hits,
		SetAt:      item.setAt,
		LastAccess: item.lastAccess,
		ExpiresAt:  item.expiresAt,
	}, true
}

// EvictFraction removes approximately the given fraction of entries,
// least-recently-used first, and returns how many were removed.
func (s *memoryStore) EvictFraction(fraction float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := int(float64(len(s.items)) * fraction)
	if target < 1 && len(s.items) > 0 {
		target = 1
	}

	removed := 0
	for removed < target {
		element := s.evictList.Back()
		if element == nil {
			break
		}
		s.removeItem(element.Value.(*storeItem))
		removed++
	}
	return removed
}

// Helper methods

// removeItem unlinks an entry. Caller holds mu.
func (s *memoryStore) removeItem(item *storeItem) {
	s.evictList.Remove(item.element)
	delete(s.items, item.key)
	s.evictions++
}

// evictOldest drops the least-recently-used entry. Caller holds mu.
func (s *memoryStore) evictOldest() {
	element := s.evictList.Back()
	if element == nil {
		return
	}
	s.removeItem(element.Value.(*storeItem))
}
