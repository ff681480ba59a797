// Package lock guards the single scenario slot across processes that share
// one sink.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotHeld is returned by Extend when the lease expired or another holder
// owns the key.
var ErrNotHeld = errors.New("lock not held")

// Locker grants a lease on key to token for ttl.
type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
	Close() error
}

// MemoryLocker keeps leases in process. It is used when no lock store is
// configured.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]lease), now: time.Now}
}

// Acquire grants key to token if it is free or its lease expired.
func (m *MemoryLocker) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.current(key); held {
		return false, nil
	}
	m.leases[key] = lease{token: token, expiresAt: m.now().Add(ttl)}
	return true, nil
}

// Extend pushes the expiry of a lease still owned by token.
func (m *MemoryLocker) Extend(_ context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, held := m.current(key)
	if !held || l.token != token {
		return ErrNotHeld
	}
	m.leases[key] = lease{token: token, expiresAt: m.now().Add(ttl)}
	return nil
}

// Release frees key if token still owns it.
func (m *MemoryLocker) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, held := m.current(key); held && l.token == token {
		delete(m.leases, key)
	}
	return nil
}

// Close drops every lease.
func (m *MemoryLocker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leases = make(map[string]lease)
	return nil
}

// current returns the live lease on key, dropping an expired one. Caller
// holds mu.
func (m *MemoryLocker) current(key string) (lease, bool) {
	l, ok := m.leases[key]
	if !ok {
		return lease{}, false
	}
	if m.now().After(l.expiresAt) {
		delete(m.leases, key)
		return lease{}, false
	}
	return l, true
}
