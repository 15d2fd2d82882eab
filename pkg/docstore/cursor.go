package docstore

import (
	"fmt"
	"sort"
)

type sortField struct {
	path string
	desc bool
}

// Cursor builds a find request lazily: Sort/Skip/Limit/Projection queue up
// transformations that are only applied when Exec runs, mirroring the
// chainable query-builder external interface of §6.
type Cursor struct {
	ds         *Datastore
	query      Value
	sortFields []sortField
	sortErr    error
	skipN      int
	limitN     int
	hasLimit   bool
	projection Value
}

// Cursor returns a chainable query builder over query. Calling Exec with no
// further chaining is equivalent to Datastore.Find.
func (ds *Datastore) Cursor(query Value) *Cursor {
	return &Cursor{ds: ds, query: query}
}

// Sort orders results by spec, a map from dotted path to 1 (ascending) or
// -1 (descending); a multi-key sort is lexicographic in spec's own
// map-entry order, per §6.
func (c *Cursor) Sort(spec Value) *Cursor {
	if spec.Kind() != KindMap {
		c.sortErr = fmt.Errorf("docstore: sort spec must be an object")

		return c
	}

	for _, path := range spec.AsMap().Keys() {
		dirVal, _ := spec.AsMap().Get(path)
		if dirVal.Kind() != KindNumber {
			c.sortErr = fmt.Errorf("docstore: sort direction for %q must be 1 or -1", path)

			return c
		}

		dir := dirVal.AsNumber()
		if dir != 1 && dir != -1 {
			c.sortErr = fmt.Errorf("docstore: sort direction for %q must be 1 or -1", path)

			return c
		}

		c.sortFields = append(c.sortFields, sortField{path: path, desc: dir == -1})
	}

	return c
}

// Skip drops the first n results after sorting.
func (c *Cursor) Skip(n int) *Cursor {
	c.skipN = n

	return c
}

// Limit caps the result count after skipping.
func (c *Cursor) Limit(n int) *Cursor {
	c.limitN = n
	c.hasLimit = true

	return c
}

// Projection applies p to every result document (§4.5).
func (c *Cursor) Projection(p Value) *Cursor {
	c.projection = p

	return c
}

// Exec runs the query and applies sort, skip, limit, and projection in
// that order.
func (c *Cursor) Exec() ([]Value, error) {
	if c.sortErr != nil {
		return nil, c.sortErr
	}

	docs, err := c.ds.Find(c.query)
	if err != nil {
		return nil, err
	}

	if len(c.sortFields) > 0 {
		c.applySort(docs)
	}

	docs = applySkipLimit(docs, c.skipN, c.hasLimit, c.limitN)

	if c.projection.Kind() == KindMap {
		return applyProjection(docs, c.projection)
	}

	return docs, nil
}

func (c *Cursor) applySort(docs []Value) {
	cmp := c.ds.cmp

	sort.SliceStable(docs, func(i, j int) bool {
		for _, sf := range c.sortFields {
			vi := resolveOne(docs[i], splitPath(sf.path))
			vj := resolveOne(docs[j], splitPath(sf.path))

			result := compareValues(vi, vj, cmp)
			if result == 0 {
				continue
			}

			if sf.desc {
				return result > 0
			}

			return result < 0
		}

		return false
	})
}

func applySkipLimit(docs []Value, skip int, hasLimit bool, limit int) []Value {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}

		docs = docs[skip:]
	}

	if hasLimit {
		if limit <= 0 {
			return nil
		}

		if limit < len(docs) {
			docs = docs[:limit]
		}
	}

	return docs
}

func applyProjection(docs []Value, projection Value) ([]Value, error) {
	out := make([]Value, len(docs))

	for i, d := range docs {
		p, err := Project(d, projection)
		if err != nil {
			return nil, err
		}

		out[i] = p
	}

	return out, nil
}
