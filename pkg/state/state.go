// Package state provides the run-scoped State Map shared by stages in
// sequential mode.
package state

import (
	"sort"
)

// Map is a mutable key/value map that lives for a whole run. It is owned by
// the sequential executor; parallel runs never construct one, so it needs no
// locking.
type Map struct {
	values map[string]interface{}
}

// New creates an empty Map.
func New() *Map {
	return &Map{values: make(map[string]interface{})}
}

// Get returns the value stored under key.
func (m *Map) Get(key string) (interface{}, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set stores value under key.
func (m *Map) Set(key string, value interface{}) {
	m.values[key] = value
}

// Has reports whether key is present.
func (m *Map) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Delete removes key.
func (m *Map) Delete(key string) {
	delete(m.values, key)
}

// Len returns the number of keys.
func (m *Map) Len() int {
	return len(m.values)
}

// Keys returns the keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear removes every key.
func (m *Map) Clear() {
	m.values = make(map[string]interface{})
}
