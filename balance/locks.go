package balance

import (
	"context"
	"sync"
)

// KeyedMutex is the in-process Locker: one exclusive slot per account,
// accounts never block each other. Entries are reference counted and
// removed when the last holder or waiter leaves.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[AccountKey]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[AccountKey]*slot)}
}

// WithLock waits for the account's slot, honoring ctx while waiting.
func (m *KeyedMutex) WithLock(ctx context.Context, key AccountKey, fn func(ctx context.Context) error) error {
	s := m.acquireRef(key)
	defer m.releaseRef(key, s)

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.ch }()

	return fn(ctx)
}

func (m *KeyedMutex) acquireRef(key AccountKey) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *KeyedMutex) releaseRef(key AccountKey, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

// held reports how many keys currently have holders or waiters.
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
