package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex provides one channel-based mutex per distinct key, with
// context cancellation while waiting. Entries are reference counted and
// dropped once no goroutine holds or waits on them, so memory is bounded
// by the number of keys in use rather than keys ever seen. Distinct keys
// never contend.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyEntry)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function that the caller MUST call exactly
// once. On cancellation it returns nil and the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	e := m.ref(key)

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.unref(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	e := m.ref(key)
	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				m.unref(key, e)
			})
		}, true
	default:
		m.unref(key, e)
		return nil, false
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *KeyedMutex) ref(key string) *keyEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*keyEntry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{} // Start unlocked.
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) unref(key string, e *keyEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}
