package docstore

import "fmt"

// Project reshapes doc according to projection (§4.5): a map of dotted
// paths to 0/1, with an independent `_id` override. An empty or absent
// projection returns doc unchanged (deep-copied).
func Project(doc Value, projection Value) (Value, error) {
	if projection.Kind() != KindMap || projection.AsMap().Len() == 0 {
		return DeepCopy(doc, false), nil
	}

	fields := projection.AsMap()

	dropID := false
	if idSpec, ok := fields.Get(fieldID); ok {
		n, ok := asInt(idSpec)
		if !ok {
			return Value{}, newError(KindInvalidProjection, fmt.Errorf("docstore: _id projection must be 0 or 1"))
		}

		dropID = n == 0
	}

	var paths []string

	mode := -1 // -1 undetermined, 0 exclude, 1 include

	for _, k := range fields.Keys() {
		if k == fieldID {
			continue
		}

		v, _ := fields.Get(k)

		n, ok := asInt(v)
		if !ok || (n != 0 && n != 1) {
			return Value{}, newError(KindInvalidProjection, fmt.Errorf("docstore: projection value for %q must be 0 or 1", k))
		}

		if mode == -1 {
			mode = n
		} else if mode != n {
			return Value{}, newError(KindInvalidProjection, fmt.Errorf("docstore: cannot mix include and exclude projection entries"))
		}

		paths = append(paths, k)
	}

	var result Value

	var err error

	switch mode {
	case -1:
		result = DeepCopy(doc, false)
	case 1:
		result, err = projectInclude(doc, paths)
	default:
		result, err = projectExclude(doc, paths)
	}

	if err != nil {
		return Value{}, err
	}

	if result.Kind() != KindMap {
		return result, nil
	}

	if dropID {
		result.AsMap().Delete(fieldID)
	} else if mode == 1 {
		if id, ok := docID(doc); ok {
			result.AsMap().Set(fieldID, id)
		}
	}

	return pruneUndefined(result), nil
}

func projectInclude(doc Value, paths []string) (Value, error) {
	result := Map(NewOrderedMap())

	for _, p := range paths {
		proj, ok := projectPath(doc, splitPath(p))
		if !ok {
			continue
		}

		result = mergeProjected(result, proj)
	}

	return result, nil
}

// projectPath returns the minimal subtree of container containing only the
// value reachable at segs, reporting ok=false when the path is entirely
// absent. Arrays encountered mid-path propagate element-wise: every element
// is projected independently and the array shape is preserved.
func projectPath(container Value, segs []string) (Value, bool) {
	if len(segs) == 0 {
		return container, true
	}

	switch container.Kind() {
	case KindMap:
		child, ok := container.AsMap().Get(segs[0])
		if !ok {
			return Value{}, false
		}

		if len(segs) == 1 {
			out := NewOrderedMap()
			out.Set(segs[0], child)

			return Map(out), true
		}

		childProj, ok := projectPath(child, segs[1:])
		if !ok {
			return Value{}, false
		}

		out := NewOrderedMap()
		out.Set(segs[0], childProj)

		return Map(out), true

	case KindArray:
		src := container.AsArray()
		out := make([]Value, len(src))

		for i, el := range src {
			proj, ok := projectPath(el, segs)
			if ok {
				out[i] = proj
			} else {
				out[i] = Map(NewOrderedMap())
			}
		}

		return Array(out...), true

	default:
		return Value{}, false
	}
}

// mergeProjected combines two partially-projected subtrees built from
// different include-mode paths that may share a common prefix.
func mergeProjected(a, b Value) Value {
	if a.Kind() == KindMap && b.Kind() == KindMap {
		out := a.AsMap().Clone()

		for _, k := range b.AsMap().Keys() {
			bv, _ := b.AsMap().Get(k)

			if av, ok := out.Get(k); ok {
				out.Set(k, mergeProjected(av, bv))
			} else {
				out.Set(k, bv)
			}
		}

		return Map(out)
	}

	if a.Kind() == KindArray && b.Kind() == KindArray && len(a.AsArray()) == len(b.AsArray()) {
		aArr, bArr := a.AsArray(), b.AsArray()
		out := make([]Value, len(aArr))

		for i := range out {
			out[i] = mergeProjected(aArr[i], bArr[i])
		}

		return Array(out...)
	}

	return b
}

func projectExclude(doc Value, paths []string) (Value, error) {
	result := DeepCopy(doc, false)

	for _, p := range paths {
		excludePath(result, splitPath(p))
	}

	return result, nil
}

// excludePath removes segs from container, fanning out across arrays
// encountered mid-path so that every element has the field removed.
func excludePath(container Value, segs []string) {
	if len(segs) == 0 {
		return
	}

	switch container.Kind() {
	case KindMap:
		if len(segs) == 1 {
			container.AsMap().Delete(segs[0])

			return
		}

		child, ok := container.AsMap().Get(segs[0])
		if !ok {
			return
		}

		excludePath(child, segs[1:])

	case KindArray:
		for _, el := range container.AsArray() {
			excludePath(el, segs)
		}
	}
}

// pruneUndefined recursively drops map entries whose value is the
// Undefined sentinel, per the design note that include/exclude projection
// needs an explicit pass to prune leaves that never resolved.
func pruneUndefined(v Value) Value {
	switch v.Kind() {
	case KindMap:
		keys := append([]string{}, v.AsMap().Keys()...)

		for _, k := range keys {
			child, _ := v.AsMap().Get(k)

			if child.IsUndefined() {
				v.AsMap().Delete(k)

				continue
			}

			v.AsMap().Set(k, pruneUndefined(child))
		}

		return v

	case KindArray:
		arr := v.AsArray()
		for i, el := range arr {
			arr[i] = pruneUndefined(el)
		}

		return v

	default:
		return v
	}
}
