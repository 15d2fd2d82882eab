package docstore

import "sort"

// OrderedMap is a string-keyed map that preserves insertion order for
// serialization while still offering O(1) lookup. Document maps use this
// instead of a plain Go map so that re-serializing a document byte-for-byte
// matches what a human would have typed, the same property the comparator's
// "sorted-key" rule (§4.2) layers on top for order-independent equality.
type OrderedMap struct {
	keys []string
	vals map[string]Value
	pos  map[string]int
}

// NewOrderedMap returns an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{vals: make(map[string]Value), pos: make(map[string]int)}
}

// Set assigns key to value, appending key to the iteration order if new.
func (m *OrderedMap) Set(key string, v Value) {
	if _, ok := m.vals[key]; !ok {
		m.pos[key] = len(m.keys)
		m.keys = append(m.keys, key)
	}

	m.vals[key] = v
}

// Get returns the value at key and whether it was present.
func (m *OrderedMap) Get(key string) (Value, bool) {
	v, ok := m.vals[key]

	return v, ok
}

// Delete removes key if present.
func (m *OrderedMap) Delete(key string) {
	idx, ok := m.pos[key]
	if !ok {
		return
	}

	delete(m.vals, key)
	delete(m.pos, key)
	m.keys = append(m.keys[:idx], m.keys[idx+1:]...)

	for i := idx; i < len(m.keys); i++ {
		m.pos[m.keys[i]] = i
	}
}

// Keys returns the keys in insertion order. The returned slice must not be
// mutated by the caller.
func (m *OrderedMap) Keys() []string { return m.keys }

// Len reports the number of entries.
func (m *OrderedMap) Len() int { return len(m.keys) }

// SortedKeys returns the keys in ascending lexicographic order, used by the
// comparator's map-ordering rule (§4.2) and by deep-equality checks that must
// be insensitive to insertion order (§9, $addToSet resolution).
func (m *OrderedMap) SortedKeys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	sort.Strings(out)

	return out
}

// Clone returns a shallow copy: same Values, independent key slice/maps so
// mutating the clone's structure never affects the original.
func (m *OrderedMap) Clone() *OrderedMap {
	clone := NewOrderedMap()
	for _, k := range m.keys {
		v, _ := m.vals[k]
		clone.Set(k, v)
	}

	return clone
}
