package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryClient is an in-process Client used in tests and as a fallback when
// Redis is unreachable in development.
type MemoryClient struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	value   []byte
	expires time.Time
}

// NewMemoryClient returns an empty in-memory store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{items: make(map[string]memoryItem)}
}

func (m *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[key]
	if !ok || (!it.expires.IsZero() && time.Now().After(it.expires)) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (m *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expires = time.Now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *MemoryClient) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

func (m *MemoryClient) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	n := int64(0)
	if ok && (it.expires.IsZero() || time.Now().Before(it.expires)) {
		n, _ = strconv.ParseInt(string(it.value), 10, 64)
	}
	n++
	out := memoryItem{value: []byte(strconv.FormatInt(n, 10))}
	if !ok && ttl > 0 {
		out.expires = time.Now().Add(ttl)
	} else {
		out.expires = it.expires
	}
	m.items[key] = out
	return n, nil
}

func (m *MemoryClient) Close() error { return nil }
