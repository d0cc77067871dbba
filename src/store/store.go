// Package store holds observable application state. Each update replaces
// the state with a new snapshot and notifies subscribers with it; callers
// never mutate a snapshot they were handed.
package store

import "sync"

// Store is an observable value of type T.
type Store[T any] struct {
	mu    sync.RWMutex
	state T
	subs  map[uint64]func(T)
	next  uint64

	// notify serializes update+notification so subscribers see snapshots in
	// update order.
	notify sync.Mutex
}

// New creates a store holding initial.
func New[T any](initial T) *Store[T] {
	return &Store[T]{state: initial, subs: make(map[uint64]func(T))}
}

// Get returns the current snapshot.
func (s *Store[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Update replaces the state with fn(current) and notifies subscribers.
// Subscribers run synchronously and must not call Update themselves.
func (s *Store[T]) Update(fn func(T) T) T {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	next := fn(s.state)
	s.state = next
	handlers := make([]func(T), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(next)
	}
	return next
}

// Subscribe registers handler for future snapshots. The returned function
// removes it; calling it more than once is a no-op.
func (s *Store[T]) Subscribe(handler func(T)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered handlers.
func (s *Store[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
