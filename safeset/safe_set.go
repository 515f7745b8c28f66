// Package safeset provides a generic set that is safe for concurrent use. The
// upload store uses it to record which file names are held by a session.
package safeset

import "sync"

// SafeSet is a thread-safe set of comparable values.
type SafeSet[T comparable] struct {
	m map[T]struct{}
	sync.RWMutex
}

// NewSafeSet creates and returns a new empty SafeSet.
func NewSafeSet[T comparable]() *SafeSet[T] {
	return &SafeSet[T]{m: make(map[T]struct{})}
}

// TryAdd adds value only if it is not already present. The check and the
// insert happen under one lock, so exactly one of several concurrent callers
// for the same value wins.
//
// Parameters:
//   - value: The element to add
//
// Returns:
//   - true if value was added, false if it was already present
func (s *SafeSet[T]) TryAdd(value T) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.m[value]; ok {
		return false
	}
	s.m[value] = struct{}{}
	return true
}

// Remove deletes value from the set. Removing a missing value is a no-op.
func (s *SafeSet[T]) Remove(value T) {
	s.Lock()
	defer s.Unlock()
	delete(s.m, value)
}

// Size returns the number of elements in the set.
func (s *SafeSet[T]) Size() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.m)
}
