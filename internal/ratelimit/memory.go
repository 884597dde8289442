package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count   int
	resetAt time.Time
}

// Memory is a process-local limiter. Counters are lost on restart, which
// is acceptable for a single-instance deployment; multi-instance
// deployments need the Redis backend to avoid bypass via load balancing.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
	done    chan struct{}
	stop    sync.Once
}

// NewMemory creates an in-process limiter. sweepInterval > 0 starts a
// background goroutine that evicts expired counters; this is memory
// hygiene only, Check handles expired windows itself.
func NewMemory(sweepInterval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.sweep(sweepInterval)
	}
	return m
}

func (m *Memory) Check(_ context.Context, key string, window time.Duration, limit int) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.entries[key]
	if !ok || now.After(entry.resetAt) {
		entry = &memoryEntry{count: 1, resetAt: now.Add(window)}
		m.entries[key] = entry
		return Result{Allowed: true, Remaining: limit - 1, ResetAt: entry.resetAt}, nil
	}

	entry.count++
	remaining := limit - entry.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   entry.count <= limit,
		Remaining: remaining,
		ResetAt:   entry.resetAt,
	}, nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Stop terminates the sweep goroutine. Safe to call more than once.
func (m *Memory) Stop() {
	m.stop.Do(func() { close(m.done) })
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			for key, entry := range m.entries {
				if now.After(entry.resetAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
