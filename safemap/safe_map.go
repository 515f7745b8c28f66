// Package safemap provides a generic concurrent map used to track live
// connection sessions. It is a thin typed facade over xsync.MapOf.
package safemap

import "github.com/puzpuzpuz/xsync/v3"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// The zero value is not usable; create instances with NewSafeMap.
type SafeMap[K comparable, V any] struct {
	m *xsync.MapOf[K, V]
}

// NewSafeMap returns an empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: xsync.NewMapOf[K, V]()}
}

// Store sets the value for key k, replacing any previous value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Delete removes k. Deleting a missing key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be visited.
//
// Parameters:
//   - f: Function called for each entry; return false to stop iteration
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(f)
}

// Len returns the current number of entries.
func (m *SafeMap[K, V]) Len() int {
	return m.m.Size()
}
