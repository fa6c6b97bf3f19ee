package limiter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the process-local fallback store. It is only
// consulted when enabled and the circuit breaker is open or the
// distributed call raised. Sliding semantics are approximated as fixed
// window here to avoid maintaining a per-client timestamp set under
// memory pressure, a known, documented deviation from the distributed
// store's exact sliding behaviour.
type MemoryStore struct {
	mu            sync.RWMutex
	entries       map[string]*CounterEntry
	sweepInterval time.Duration
	lastSweep     time.Time
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// NewMemoryStore creates an in-memory fallback store. sweepInterval
// controls how often the background sweeper removes entries whose
// ResetTime has passed; it defaults to the configured local-cache TTL.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = 60 * time.Second
	}
	return &MemoryStore{
		entries:       make(map[string]*CounterEntry),
		sweepInterval: sweepInterval,
		lastSweep:     time.Now(),
		stopSweep:     make(chan struct{}),
	}
}

// StartSweeper launches the background goroutine that periodically
// removes expired entries. Safe to call at most once per store.
func (m *MemoryStore) StartSweeper() {
	m.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(m.sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					m.sweep()
				case <-m.stopSweep:
					return
				}
			}
		}()
	})
}

// Close stops the background sweeper.
func (m *MemoryStore) Close() {
	select {
	case <-m.stopSweep:
	default:
		close(m.stopSweep)
	}
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastSweep = now
	for key, entry := range m.entries {
		if entry.ResetTime.Before(now) {
			delete(m.entries, key)
		}
	}
}

func (m *MemoryStore) CheckAndIncrement(_ context.Context, key string, rule Rule) (CounterEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry := m.entries[key]
	if entry == nil || now.After(entry.ResetTime) || now.Equal(entry.ResetTime) {
		entry = &CounterEntry{Count: 0, ResetTime: alignedReset(now, rule.Window), CreatedAt: now}
		m.entries[key] = entry
	}

	if entry.Count >= rule.MaxRequests {
		return *entry, false, nil
	}
	entry.Count++
	return *entry, true, nil
}

func (m *MemoryStore) Current(_ context.Context, key string, rule Rule) (CounterEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	entry, ok := m.entries[key]
	if !ok || now.After(entry.ResetTime) {
		return CounterEntry{Count: 0, ResetTime: alignedReset(now, rule.Window), CreatedAt: now}, true, nil
	}
	return *entry, entry.Count < rule.MaxRequests, nil
}

func (m *MemoryStore) Revert(_ context.Context, key string, _ Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok && entry.Count > 0 {
		entry.Count--
	}
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context, _ string) (int, error) {
	before := m.Size()
	m.sweep()
	return before - m.Size(), nil
}

// Size reports the number of tracked keys, used by the administrative
// stats endpoint.
func (m *MemoryStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// ActiveKeyCount implements KeyCounter, reporting the same count as
// Size so the fallback store can answer the administrative stats
// interface when it is standing in for the distributed store.
func (m *MemoryStore) ActiveKeyCount(_ context.Context) (int, error) {
	return m.Size(), nil
}

func alignedReset(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return now
	}
	aligned := now.Truncate(window)
	return aligned.Add(window)
}
