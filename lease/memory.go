package lease

import (
	"context"
	"sync"
	"time"
)

// Memory keeps leases in process memory. It only coordinates goroutines of
// one process and is meant for tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time
}

type entry struct {
	token   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{leases: map[string]entry{}, now: time.Now}
}

func (m *Memory) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.leases[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	m.leases[key] = entry{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.leases[key]
	if !ok || e.token != token || !now.Before(e.expires) {
		return false, nil
	}
	m.leases[key] = entry{token: token, expires: now.Add(ttl)}
	return true, nil
}

// Replace hands a live lease held by old over to token.
func (m *Memory) Replace(ctx context.Context, key, old, token string, ttl time.Duration) (bool, error) {
	if err := validate(key, token, ttl); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.leases[key]
	if !ok || e.token != old || !now.Before(e.expires) {
		return false, nil
	}
	m.leases[key] = entry{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(ctx context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.leases[key]; ok && e.token == token {
		delete(m.leases, key)
	}
	return nil
}

func (m *Memory) Holder(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.leases[key]
	if !ok || !m.now().Before(e.expires) {
		return "", nil
	}
	return e.token, nil
}
