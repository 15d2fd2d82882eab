package docstore

import (
	"errors"
	"strconv"
	"strings"
)

var (
	errCannotSetRoot  = errors.New("docstore: cannot set the document root")
	errBadArrayIndex  = errors.New("docstore: path segment is not a valid array index")
	errBadPathSegment = errors.New("docstore: path segment addresses through a scalar value")
)

// splitPath splits a dotted path into its components. An empty path yields
// no components (the document itself).
func splitPath(path string) []string {
	if path == "" {
		return nil
	}

	return strings.Split(path, ".")
}

func parseArrayIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}

	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 {
		return 0, false
	}

	return n, true
}

// resolveAll resolves a dotted path against doc, returning every candidate
// leaf value reached. Plain map/array-index descent yields exactly one
// candidate. Crossing an array field with more path segments remaining
// fans out: each element is resolved independently and all results are
// concatenated, implementing the "array elements become alternatives"
// clause of the matcher's field resolution (§4.3). An array reached as the
// final segment is returned whole, letting callers apply leaf-level array
// semantics themselves. A path that cannot be resolved yields [Undefined()].
func resolveAll(v Value, segs []string) []Value {
	if len(segs) == 0 {
		return []Value{v}
	}

	switch v.Kind() {
	case KindMap:
		child, ok := v.AsMap().Get(segs[0])
		if !ok {
			return []Value{Undefined()}
		}

		return resolveAll(child, segs[1:])

	case KindArray:
		arr := v.AsArray()

		if idx, ok := parseArrayIndex(segs[0]); ok {
			if idx >= len(arr) {
				return []Value{Undefined()}
			}

			return resolveAll(arr[idx], segs[1:])
		}

		var out []Value

		for _, el := range arr {
			out = append(out, resolveAll(el, segs)...)
		}

		if len(out) == 0 {
			return []Value{Undefined()}
		}

		return out

	default:
		return []Value{Undefined()}
	}
}

// resolveOne is a convenience for callers (the Update Engine, Index key
// extraction) that want plain, non-fanning path resolution: array segments
// are only traversed via an explicit numeric index, and a non-numeric
// segment against an array is treated as "not found" rather than fanning
// out. This is the semantics update paths need ($set "a.b.c" must address
// one location, not many).
func resolveOne(v Value, segs []string) Value {
	if len(segs) == 0 {
		return v
	}

	switch v.Kind() {
	case KindMap:
		child, ok := v.AsMap().Get(segs[0])
		if !ok {
			return Undefined()
		}

		return resolveOne(child, segs[1:])

	case KindArray:
		idx, ok := parseArrayIndex(segs[0])
		if !ok || idx >= len(v.AsArray()) {
			return Undefined()
		}

		return resolveOne(v.AsArray()[idx], segs[1:])

	default:
		return Undefined()
	}
}

// setPath assigns value at the dotted path within root, creating
// intermediate maps as needed. root must be a KindMap value; it is mutated
// in place (the caller is expected to have already deep-copied it). Returns
// an error if an intermediate segment addresses through a non-container
// value (e.g. "a.b" where a is a string).
func setPath(root Value, segs []string, value Value) error {
	if len(segs) == 0 {
		return errCannotSetRoot
	}

	_, err := setPathRec(root, segs, value)

	return err
}

// setPathRec returns the (possibly replaced) container with value assigned
// at segs. Map containers are mutated in place through their OrderedMap
// pointer; array containers must propagate the returned Value back into
// their parent since growing a slice can reallocate its backing array.
func setPathRec(container Value, segs []string, value Value) (Value, error) {
	key := segs[0]
	last := len(segs) == 1

	switch container.Kind() {
	case KindMap:
		m := container.AsMap()

		if last {
			m.Set(key, value)

			return container, nil
		}

		child, ok := m.Get(key)
		if !ok || !(child.Kind() == KindMap || child.Kind() == KindArray) {
			child = Map(NewOrderedMap())
		}

		child, err := setPathRec(child, segs[1:], value)
		if err != nil {
			return container, err
		}

		m.Set(key, child)

		return container, nil

	case KindArray:
		idx, ok := parseArrayIndex(key)
		if !ok {
			return container, errBadArrayIndex
		}

		arr := container.arr
		for len(arr) <= idx {
			arr = append(arr, Null())
		}

		if last {
			arr[idx] = value
		} else {
			child := arr[idx]
			if child.Kind() != KindMap && child.Kind() != KindArray {
				child = Map(NewOrderedMap())
			}

			updated, err := setPathRec(child, segs[1:], value)
			if err != nil {
				return container, err
			}

			arr[idx] = updated
		}

		container.arr = arr

		return container, nil

	default:
		return container, errBadPathSegment
	}
}

// deletePath removes the value at the dotted path, treated as a no-op if
// any intermediate segment does not resolve.
func deletePath(root Value, segs []string) {
	if len(segs) == 0 {
		return
	}

	cur := root

	for i := 0; i < len(segs)-1; i++ {
		switch cur.Kind() {
		case KindMap:
			child, ok := cur.AsMap().Get(segs[i])
			if !ok {
				return
			}

			cur = child

		case KindArray:
			idx, ok := parseArrayIndex(segs[i])
			if !ok || idx >= len(cur.AsArray()) {
				return
			}

			cur = cur.AsArray()[idx]

		default:
			return
		}
	}

	last := segs[len(segs)-1]

	switch cur.Kind() {
	case KindMap:
		cur.AsMap().Delete(last)

	case KindArray:
		if idx, ok := parseArrayIndex(last); ok && idx < len(cur.AsArray()) {
			cur.arr[idx] = Null()
		}
	}
}
