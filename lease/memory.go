package lease

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	holder  string
	expires time.Time
}

// Memory is an in-process Leaser for single-scheduler deployments and tests.
type Memory struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{leases: make(map[string]entry), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.leases[key]; ok && e.holder != holder && now.Before(e.expires) {
		return false, nil
	}
	m.leases[key] = entry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.leases[key]; ok && e.holder == holder {
		delete(m.leases, key)
	}
	return nil
}

func (m *Memory) Holder(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leases[key]
	if !ok || !m.now().Before(e.expires) {
		return "", nil
	}
	return e.holder, nil
}
