package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	defaultTTL      = 5 * time.Minute
	defaultCapacity = 256
)

type lruItem struct {
	key   string
	entry Entry
}

// memoryStore is a bounded in-memory Store. Eviction is true least-recently-
// used: lookups of live entries refresh recency but never expiry. The size
// bound holds after every mutating operation.
type memoryStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

// NewMemory builds the in-memory backend. Non-positive ttl or capacity fall
// back to the documented defaults (300s, 256 entries).
func NewMemory(ttl time.Duration, capacity int) Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &memoryStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *memoryStore) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	item := elem.Value.(*lruItem)
	if time.Now().After(item.entry.ExpiresAt) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return Entry{}, false, nil
	}
	c.order.MoveToFront(elem)
	return cloneEntry(item.entry), true, nil
}

func (c *memoryStore) Insert(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		entry.ExpiresAt = entry.StoredAt.Add(c.ttl)
	}
	entry = cloneEntry(entry)

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*lruItem).entry = entry
		c.order.MoveToFront(elem)
		return nil
	}
	for len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	c.entries[key] = c.order.PushFront(&lruItem{key: key, entry: entry})
	return nil
}

// evictOldest removes the least-recently-used entry. Callers hold c.mu.
func (c *memoryStore) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	item := back.Value.(*lruItem)
	c.order.Remove(back)
	delete(c.entries, item.key)
}

func (c *memoryStore) Size(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryStore) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	return nil
}

func (c *memoryStore) Close(_ context.Context) error {
	return nil
}
