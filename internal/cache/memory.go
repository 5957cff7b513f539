package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Synthetixio/snx-api/internal/observ"
)

// MemoryStore is an in-process Store with physical expiry and periodic
// cleanup.
type MemoryStore struct {
	mu      sync.RWMutex
	items   map[string]memoryItem
	clock   clockwork.Clock
	metrics MemoryMetrics
	closed  bool
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryMetrics tracks store activity.
type MemoryMetrics struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		items: make(map[string]memoryItem),
		clock: clock,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrStoreClosed
	}
	item, ok := m.items[key]
	if !ok || (!item.expiresAt.IsZero() && m.clock.Now().After(item.expiresAt)) {
		m.metrics.Misses++
		return nil, false, nil
	}
	m.metrics.Hits++
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	item := memoryItem{value: make([]byte, len(value))}
	copy(item.value, value)
	if ttl > 0 {
		item.expiresAt = m.clock.Now().Add(ttl)
	}
	m.items[key] = item
	return nil
}

// Cleanup removes physically expired items.
func (m *MemoryStore) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	evicted := 0
	for key, item := range m.items {
		if !item.expiresAt.IsZero() && now.After(item.expiresAt) {
			delete(m.items, key)
			evicted++
		}
	}
	m.metrics.Evictions += int64(evicted)
	if evicted > 0 {
		observ.IncCounterBy("cache_evictions_total", nil, float64(evicted))
		observ.Debug("cache_cleanup", map[string]any{"evicted": evicted, "size": len(m.items)})
	}
	observ.SetGauge("cache_memory_items", float64(len(m.items)), nil)
	return evicted
}

// StartCleanup runs Cleanup every interval until ctx is done.
func (m *MemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.Cleanup()
			}
		}
	}()
}

func (m *MemoryStore) GetMetrics() MemoryMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.metrics
	out.Size = len(m.items)
	return out
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = map[string]memoryItem{}
	return nil
}
