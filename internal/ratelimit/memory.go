package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps counters in process. Use it for a single instance.
type MemoryLimiter struct {
	mu      sync.Mutex
	rules   map[Class]Rule
	windows map[string]*window
	now     func() time.Time
	checks  int
}

func NewMemoryLimiter(rules map[Class]Rule) *MemoryLimiter {
	return &MemoryLimiter{
		rules:   rules,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, class Class, key string) (Result, error) {
	rule, ok := m.rules[class]
	if !ok || rule.Limit <= 0 {
		return unlimited(), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.checks++
	if m.checks%1000 == 0 {
		m.pruneLocked(now)
	}

	k := string(class) + ":" + key
	w, ok := m.windows[k]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		m.windows[k] = w
	}
	if w.count < rule.Limit {
		w.count++
		return result(rule, w.count, w.resetAt, now), nil
	}
	return result(rule, rule.Limit+1, w.resetAt, now), nil
}

func (m *MemoryLimiter) pruneLocked(now time.Time) {
	for k, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, k)
		}
	}
}
