package docstore

import (
	"fmt"
	"sort"
)

// IndexSpec describes an index's shape: one dotted path, or an ordered list
// for a compound index, plus the unique/sparse modifiers (§3, §4.6).
type IndexSpec struct {
	Name   string
	Fields []string
	Unique bool
	Sparse bool

	// ExpireAfterSeconds, when set, makes this a TTL index (§6): documents
	// whose single indexed field holds a date older than this many seconds
	// are excluded from reads and eventually swept by the Datastore.
	ExpireAfterSeconds *float64
}

// Index maintains an ordered map from extracted key to the set of document
// ids sharing that key. Per the design note on stable references, an index
// never holds a document value or pointer directly; it holds the owning
// Datastore's `_id` handles, which stay valid across document replacement.
type Index struct {
	spec IndexSpec
	cmp  StringComparator

	entries []indexEntry // sorted ascending by key
}

type indexEntry struct {
	key Value
	ids []string
}

// NewIndex constructs an empty index for spec, comparing string-valued keys
// with cmp (nil selects lexicographic order).
func NewIndex(spec IndexSpec, cmp StringComparator) *Index {
	if cmp == nil {
		cmp = defaultStringCompare
	}

	return &Index{spec: spec, cmp: cmp}
}

func (idx *Index) Spec() IndexSpec { return idx.spec }

func (idx *Index) keyCompare(a, b Value) int { return compareValues(a, b, idx.cmp) }

func (idx *Index) search(key Value) (int, bool) {
	pos := sort.Search(len(idx.entries), func(i int) bool {
		return idx.keyCompare(idx.entries[i].key, key) >= 0
	})

	if pos < len(idx.entries) && idx.keyCompare(idx.entries[pos].key, key) == 0 {
		return pos, true
	}

	return pos, false
}

// extractKeys computes the key(s) a document is indexed under. A single-path
// index on an array-valued field emits one entry per distinct element
// (dedup by the total order); a compound index always emits exactly one
// key-vector, leaving array-valued component fields unexpanded.
func (idx *Index) extractKeys(doc Value) []Value {
	if len(idx.spec.Fields) == 1 {
		v := resolveOne(doc, splitPath(idx.spec.Fields[0]))

		if v.Kind() == KindArray {
			return dedupValues(v.AsArray(), idx.cmp)
		}

		return []Value{v}
	}

	vec := make([]Value, len(idx.spec.Fields))
	for i, f := range idx.spec.Fields {
		vec[i] = resolveOne(doc, splitPath(f))
	}

	return []Value{Array(vec...)}
}

func dedupValues(vals []Value, cmp StringComparator) []Value {
	out := make([]Value, 0, len(vals))

	for _, v := range vals {
		dup := false

		for _, seen := range out {
			if compareValues(v, seen, cmp) == 0 {
				dup = true

				break
			}
		}

		if !dup {
			out = append(out, v)
		}
	}

	return out
}

func allUndefined(keys []Value) bool {
	for _, k := range keys {
		if !k.IsUndefined() {
			return false
		}
	}

	return true
}

func docIDString(doc Value) string {
	id, ok := docID(doc)
	if !ok || id.Kind() != KindString {
		return ""
	}

	return id.AsString()
}

// Insert adds one document. Bulk insert via InsertMany is all-or-nothing.
func (idx *Index) Insert(doc Value) error {
	return idx.insertOne(doc)
}

// InsertMany inserts every document, reverting all successful insertions
// made in this call if any one fails (§4.6).
func (idx *Index) InsertMany(docs []Value) error {
	for i, doc := range docs {
		if err := idx.insertOne(doc); err != nil {
			for j := i - 1; j >= 0; j-- {
				idx.removeOne(docs[j])
			}

			return err
		}
	}

	return nil
}

func (idx *Index) insertOne(doc Value) error {
	keys := idx.extractKeys(doc)

	if idx.spec.Sparse && allUndefined(keys) {
		return nil
	}

	id := docIDString(doc)

	if idx.spec.Unique {
		for _, k := range keys {
			if pos, found := idx.search(k); found && len(idx.entries[pos].ids) > 0 {
				return newError(KindUniqueViolated, fmt.Errorf("docstore: duplicate key in unique index %q", idx.spec.Name),
					withKey(k), withIndex(idx.spec.Name))
			}
		}
	}

	for _, k := range keys {
		idx.addID(k, id)
	}

	return nil
}

func (idx *Index) addID(key Value, id string) {
	pos, found := idx.search(key)

	if found {
		idx.entries[pos].ids = append(idx.entries[pos].ids, id)

		return
	}

	entry := indexEntry{key: key, ids: []string{id}}

	idx.entries = append(idx.entries, indexEntry{})
	copy(idx.entries[pos+1:], idx.entries[pos:])
	idx.entries[pos] = entry
}

// Remove deletes one document's entries.
func (idx *Index) Remove(doc Value) {
	idx.removeOne(doc)
}

// RemoveMany deletes every document's entries.
func (idx *Index) RemoveMany(docs []Value) {
	for _, doc := range docs {
		idx.removeOne(doc)
	}
}

func (idx *Index) removeOne(doc Value) {
	keys := idx.extractKeys(doc)
	id := docIDString(doc)

	for _, k := range keys {
		idx.removeID(k, id)
	}
}

func (idx *Index) removeID(key Value, id string) {
	pos, found := idx.search(key)
	if !found {
		return
	}

	ids := idx.entries[pos].ids
	for i, existing := range ids {
		if existing == id {
			ids = append(ids[:i], ids[i+1:]...)

			break
		}
	}

	if len(ids) == 0 {
		idx.entries = append(idx.entries[:pos], idx.entries[pos+1:]...)

		return
	}

	idx.entries[pos].ids = ids
}

// Update replaces old's entries with new's, reverting to old on failure.
func (idx *Index) Update(oldDoc, newDoc Value) error {
	return idx.updateOne(oldDoc, newDoc)
}

type UpdatePair struct {
	Old Value
	New Value
}

// UpdateMany applies every pair, reverting all successful updates made in
// this call if any one fails.
func (idx *Index) UpdateMany(pairs []UpdatePair) error {
	for i, p := range pairs {
		if err := idx.updateOne(p.Old, p.New); err != nil {
			for j := i - 1; j >= 0; j-- {
				idx.RevertUpdate(pairs[j].Old, pairs[j].New)
			}

			return err
		}
	}

	return nil
}

func (idx *Index) updateOne(oldDoc, newDoc Value) error {
	idx.removeOne(oldDoc)

	if err := idx.insertOne(newDoc); err != nil {
		idx.insertOne(oldDoc) //nolint:errcheck // reinstating a key that validated moments ago cannot itself fail under the single-writer model

		return err
	}

	return nil
}

// RevertUpdate is the exact inverse of Update(old, new), used by callers
// that sequence updates across multiple indexes and must unwind a partial
// multi-index commit.
func (idx *Index) RevertUpdate(oldDoc, newDoc Value) error {
	return idx.updateOne(newDoc, oldDoc)
}

// GetMatching returns the ids of documents whose key equals key.
func (idx *Index) GetMatching(key Value) []string {
	pos, found := idx.search(key)
	if !found {
		return nil
	}

	return append([]string{}, idx.entries[pos].ids...)
}

// GetMatchingAny returns the ids of documents whose key equals any of keys.
func (idx *Index) GetMatchingAny(keys []Value) []string {
	seen := make(map[string]bool)

	var out []string

	for _, k := range keys {
		for _, id := range idx.GetMatching(k) {
			if !seen[id] {
				seen[id] = true

				out = append(out, id)
			}
		}
	}

	return out
}

// Bounds expresses a range-scan request via the matcher's comparison
// operators; a nil field means that bound is not requested.
type Bounds struct {
	Gt, Gte, Lt, Lte *Value
}

// GetBetweenBounds returns ids in ascending key order within the given
// range.
func (idx *Index) GetBetweenBounds(b Bounds) []string {
	lo, hi := 0, len(idx.entries)

	switch {
	case b.Gt != nil:
		lo = sort.Search(len(idx.entries), func(i int) bool { return idx.keyCompare(idx.entries[i].key, *b.Gt) > 0 })
	case b.Gte != nil:
		lo = sort.Search(len(idx.entries), func(i int) bool { return idx.keyCompare(idx.entries[i].key, *b.Gte) >= 0 })
	}

	switch {
	case b.Lt != nil:
		hi = sort.Search(len(idx.entries), func(i int) bool { return idx.keyCompare(idx.entries[i].key, *b.Lt) >= 0 })
	case b.Lte != nil:
		hi = sort.Search(len(idx.entries), func(i int) bool { return idx.keyCompare(idx.entries[i].key, *b.Lte) > 0 })
	}

	var out []string

	for i := lo; i < hi && i < len(idx.entries); i++ {
		out = append(out, idx.entries[i].ids...)
	}

	return out
}

// GetAll returns every indexed id in ascending key order.
func (idx *Index) GetAll() []string {
	var out []string

	for _, e := range idx.entries {
		out = append(out, e.ids...)
	}

	return out
}

// Reset clears the index and, if docs is non-empty, repopulates it.
func (idx *Index) Reset(docs []Value) error {
	idx.entries = nil

	if len(docs) == 0 {
		return nil
	}

	return idx.InsertMany(docs)
}
