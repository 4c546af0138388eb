// Package lock provides an in-process keyed domain.LockManager for
// deployments without Redis.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Manager hands out one holder per key. Unlike the Redis lock it waits for
// the key to free up instead of failing; the TTL is not enforced because a
// holder cannot outlive the process that owns the lock.
type Manager struct {
	mu   sync.Mutex
	keys map[string]chan struct{}
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{keys: make(map[string]chan struct{})}
}

// Acquire blocks until key is free or ctx is done. The returned unlock func
// is safe to call more than once.
func (m *Manager) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	ch, ok := m.keys[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.keys[key] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("lock: acquire %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
