package storage

import (
	"context"
	"sync"
	"time"
)

type counterKey struct {
	userID string
	day    string
}

// MemoryStore keeps counters in process memory.
// Increments are serialized, so two concurrent sends never observe the same new count.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]int
	now      Clock
}

// NewMemoryStore creates an empty store. A nil clock uses time.Now.
func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		counters: make(map[counterKey]int),
		now:      now,
	}
}

func (m *MemoryStore) key(userID string) counterKey {
	return counterKey{userID: userID, day: DayKey(m.now())}
}

func (m *MemoryStore) GetCount(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[m.key(userID)], nil
}

func (m *MemoryStore) Increment(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := m.key(userID)
	m.counters[k]++
	return m.counters[k], nil
}

func (m *MemoryStore) ResetDaily(ctx context.Context) (int, error) {
	today := DayKey(m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k := range m.counters {
		if k.day != today {
			delete(m.counters, k)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) Len(ctx context.Context) (int, error) {
	today := DayKey(m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for k := range m.counters {
		if k.day == today {
			n++
		}
	}
	return n, nil
}
