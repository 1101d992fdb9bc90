package types

import (
	"iter"
	"sync"
)

// CallbackManager holds an ordered set of callbacks of type T.
// Adding returns a removal function, so subscribers can unsubscribe
// without knowing anything about each other.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    []callback[T]
	nextID int
}

type callback[T any] struct {
	id int
	cb T
}

func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers the callback and returns a function that removes it.
// The removal function is idempotent.
func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.cbs = append(m.cbs, callback[T]{id, cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			for i := range m.cbs {
				if m.cbs[i].id == id {
					m.cbs = append(m.cbs[:i], m.cbs[i+1:]...)
					break
				}
			}
			m.mu.Unlock()
		})
	}
}

// All iterates over a snapshot of the registered callbacks in insertion order.
// Callbacks may add or remove subscriptions while the iteration is running.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		callbacks := make([]T, len(m.cbs))
		for i := range m.cbs {
			callbacks[i] = m.cbs[i].cb
		}
		m.mu.RUnlock()

		for _, cb := range callbacks {
			if !yield(cb) {
				return
			}
		}
	}
}
