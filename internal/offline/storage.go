package offline

import (
	"net/http"
	"sync"
	"time"
)

// Snapshot is one whole-response cache record. Puts are atomic from the
// store's perspective: a snapshot is captured completely before it is offered
// to a bucket, never streamed in.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	CachedAt time.Time
}

// Bucket is one named response store.
type Bucket interface {
	Match(key string) (Snapshot, bool)
	Put(key string, snap Snapshot)
	Keys() []string
	Remove(key string)
}

// CacheStorage is the capability set the worker needs from a cache-store
// backend: open a named bucket, enumerate names, delete whole buckets. The
// three logical buckets (precache/runtime/api) are named instances behind
// this one interface.
type CacheStorage interface {
	Open(name string) (Bucket, error)
	Delete(name string) error
	Names() []string
}

type memoryBucket struct {
	mu      sync.Mutex
	entries map[string]Snapshot
	order   []string // insertion order, oldest first
}

func newMemoryBucket() *memoryBucket {
	return &memoryBucket{entries: make(map[string]Snapshot)}
}

func (b *memoryBucket) Match(key string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return cloneSnapshot(snap), true
}

func (b *memoryBucket) Put(key string, snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[key]; !exists {
		b.order = append(b.order, key)
	}
	b.entries[key] = cloneSnapshot(snap)
}

func (b *memoryBucket) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, len(b.order))
	copy(keys, b.order)
	return keys
}

func (b *memoryBucket) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return
	}
	delete(b.entries, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// memoryStorage is the in-process CacheStorage used by the edge middleware
// and the worker tests.
type memoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

// NewMemoryStorage builds an empty in-memory cache-store backend.
func NewMemoryStorage() CacheStorage {
	return &memoryStorage{buckets: make(map[string]*memoryBucket)}
}

func (s *memoryStorage) Open(name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[name]
	if !ok {
		bucket = newMemoryBucket()
		s.buckets[name] = bucket
	}
	return bucket, nil
}

func (s *memoryStorage) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, name)
	return nil
}

func (s *memoryStorage) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	return names
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := Snapshot{
		Status:   in.Status,
		CachedAt: in.CachedAt,
	}
	if len(in.Body) > 0 {
		out.Body = make([]byte, len(in.Body))
		copy(out.Body, in.Body)
	}
	if len(in.Header) > 0 {
		out.Header = in.Header.Clone()
	}
	return out
}
