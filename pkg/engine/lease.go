package engine

import (
	"context"
	"sync"
	"time"
)

// MemoryLeaseManager is a process-local LeaseManager. Suitable for a
// single-process orchestrator and for tests; multi-process deployments
// use the store-backed lease manager so crashed holders are reclaimed
// across processes.
type MemoryLeaseManager struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	holder  string
	expires time.Time
}

// NewMemoryLeaseManager creates an in-memory lease manager.
func NewMemoryLeaseManager() *MemoryLeaseManager {
	return &MemoryLeaseManager{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// Acquire implements LeaseManager. Expired leases are reclaimed.
func (m *MemoryLeaseManager) Acquire(_ context.Context, manifestID, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[manifestID]; ok && l.holder != holder && l.expires.After(now) {
		return false, nil
	}
	m.leases[manifestID] = memoryLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

// Renew implements LeaseManager.
func (m *MemoryLeaseManager) Renew(_ context.Context, manifestID, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[manifestID]
	if !ok || l.holder != holder {
		return NewLeaseHeldError(manifestID, l.holder)
	}
	l.expires = m.now().Add(ttl)
	m.leases[manifestID] = l
	return nil
}

// Release implements LeaseManager. Releasing a lease held by another
// holder is a no-op.
func (m *MemoryLeaseManager) Release(_ context.Context, manifestID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[manifestID]; ok && l.holder == holder {
		delete(m.leases, manifestID)
	}
	return nil
}
