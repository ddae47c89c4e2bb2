package idempotency

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryCapacity bounds the in-memory store.
const DefaultMemoryCapacity = 100_000

// MemoryStore keeps the most recent settlements in process memory.
//
// It is suitable for single-instance deployments. Keys evicted by the
// capacity bound fall back to the router's on-chain isSettled check.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, Record]
}

// NewMemoryStore creates a store holding at most capacity records. A
// non-positive capacity uses DefaultMemoryCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	cache, err := lru.New[string, Record](capacity)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &MemoryStore{cache: cache}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	rec, ok := m.cache.Get(key)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache.Contains(record.Key) {
		return nil
	}
	m.cache.Add(record.Key, record)
	return nil
}

// Len returns the number of records held.
func (m *MemoryStore) Len() int {
	return m.cache.Len()
}

var _ SettledStore = (*MemoryStore)(nil)
