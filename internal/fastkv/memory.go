package fastkv

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for single-node deployments and tests.
// Expired keys are dropped lazily on access.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	lists  map[string]*memList
	hashes map[string]*memHash
}

type memList struct {
	values    [][]byte // newest first
	expiresAt time.Time
}

type memHash struct {
	fields    map[string]string
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore. now may be nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		lists:  make(map[string]*memList),
		hashes: make(map[string]*memHash),
	}
}

func (m *MemoryStore) Append(_ context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.list(key)
	if l == nil {
		l = &memList{}
		m.lists[key] = l
	}
	l.values = slices.Insert(l.values, 0, slices.Clone(value))
	if maxLen > 0 && len(l.values) > maxLen {
		l.values = l.values[:maxLen]
	}
	l.expiresAt = m.expiry(ttl)
	return nil
}

func (m *MemoryStore) Range(_ context.Context, key string, n int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.list(key)
	if l == nil {
		return nil, nil
	}
	values := l.values
	if n > 0 && len(values) > n {
		values = values[:n]
	}
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = slices.Clone(v)
	}
	return out, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string, counters map[string]int64, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hash(key)
	if h == nil {
		h = &memHash{fields: make(map[string]string)}
		m.hashes[key] = h
	}
	for field, delta := range counters {
		current, _ := strconv.ParseInt(h.fields[field], 10, 64)
		h.fields[field] = strconv.FormatInt(current+delta, 10)
	}
	for k, v := range fields {
		h.fields[k] = v
	}
	h.expiresAt = m.expiry(ttl)
	return nil
}

func (m *MemoryStore) Fields(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string)
	if h := m.hash(key); h != nil {
		for k, v := range h.fields {
			out[k] = v
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) list(key string) *memList {
	l, ok := m.lists[key]
	if !ok {
		return nil
	}
	if m.expired(l.expiresAt) {
		delete(m.lists, key)
		return nil
	}
	return l
}

func (m *MemoryStore) hash(key string) *memHash {
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	if m.expired(h.expiresAt) {
		delete(m.hashes, key)
		return nil
	}
	return h
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}
