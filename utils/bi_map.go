package utils

import (
	"fmt"
	"sort"
)

// BiMap is an immutable bidirectional map. It backs the string forms of the
// enum-like option and state types so that a single table drives both
// formatting and parsing.
type BiMap[K comparable, V comparable] struct {
	a map[K]V // key -> value
	b map[V]K // value -> key
}

// NewBiMap copies input into a new BiMap. When input holds duplicate values,
// the reverse mapping keeps an arbitrary one of the keys.
func NewBiMap[K comparable, V comparable](input map[K]V) *BiMap[K, V] {
	a := make(map[K]V, len(input))
	b := make(map[V]K, len(input))
	for k, v := range input {
		a[k] = v
		b[v] = k
	}
	return &BiMap[K, V]{a: a, b: b}
}

// Lookup finds a value by its key.
func (m *BiMap[K, V]) Lookup(key K) (V, bool) {
	value, ok := m.a[key]
	return value, ok
}

// DirectLookup returns the value for key, or the zero value of V.
func (m *BiMap[K, V]) DirectLookup(key K) V {
	return m.a[key]
}

// RLookup finds a key by its value.
func (m *BiMap[K, V]) RLookup(value V) (K, bool) {
	key, ok := m.b[value]
	return key, ok
}

// DirectRLookup returns the key for value, or the zero value of K.
func (m *BiMap[K, V]) DirectRLookup(value V) K {
	return m.b[value]
}

// Len returns the number of entries.
func (m *BiMap[K, V]) Len() int {
	return len(m.a)
}

// ValueNames returns the values formatted with %v and sorted, for use in
// error messages listing the accepted spellings.
func (m *BiMap[K, V]) ValueNames() []string {
	names := make([]string, 0, len(m.b))
	for v := range m.b {
		names = append(names, fmt.Sprintf("%v", v))
	}
	sort.Strings(names)
	return names
}
