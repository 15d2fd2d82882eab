package docstore

import (
	"fmt"
	"strings"
)

var modifierNames = map[string]bool{
	"$set": true, "$unset": true, "$inc": true, "$min": true, "$max": true,
	"$push": true, "$pushAll": true, "$addToSet": true, "$pop": true,
	"$pull": true, "$pullAll": true,
}

// Modify applies update to doc and returns the resulting document. query is
// the triggering find expression, consulted only to resolve a positional
// `$` path component (§4.4). doc is never mutated; the result is built over
// a deep copy.
func Modify(doc Value, update Value, query Value) (Value, error) {
	if update.Kind() != KindMap {
		return Value{}, newError(KindInvalidUpdate, fmt.Errorf("docstore: update must be an object"))
	}

	keys := update.AsMap().Keys()
	if len(keys) == 0 {
		return DeepCopy(doc, false), nil
	}

	allDollar, allPlain := classifyKeys(keys)

	switch {
	case allPlain:
		return applyReplacement(doc, update)
	case allDollar:
		return applyModifiers(doc, update, query)
	default:
		return Value{}, newError(KindInvalidUpdate, fmt.Errorf("docstore: cannot mix replacement and modifier forms"))
	}
}

func applyReplacement(doc Value, update Value) (Value, error) {
	replacement := DeepCopy(update, false)

	oldID, hasOld := docID(doc)
	newID, hasNew := docID(replacement)

	if hasNew && hasOld && !deepEqual(newID, oldID) {
		return Value{}, newError(KindImmutableID, fmt.Errorf("docstore: update cannot change _id"))
	}

	if hasOld {
		replacement.AsMap().Set(fieldID, oldID)
	}

	return replacement, nil
}

func docID(doc Value) (Value, bool) {
	if doc.Kind() != KindMap {
		return Value{}, false
	}

	return doc.AsMap().Get(fieldID)
}

func applyModifiers(doc Value, update Value, query Value) (Value, error) {
	result := DeepCopy(doc, false)

	for _, op := range update.AsMap().Keys() {
		if !modifierNames[op] {
			return Value{}, newError(KindInvalidUpdate, fmt.Errorf("docstore: unknown update modifier %q", op))
		}

		fields, _ := update.AsMap().Get(op)
		if fields.Kind() != KindMap {
			return Value{}, newError(KindInvalidUpdate, fmt.Errorf("docstore: %s requires an object of field paths", op))
		}

		for _, path := range fields.AsMap().Keys() {
			arg, _ := fields.AsMap().Get(path)

			if err := applyFieldModifier(&result, op, path, arg, query); err != nil {
				return Value{}, err
			}
		}
	}

	return result, nil
}

// applyFieldModifier dispatches one modifier against one path, expanding a
// positional `$` component into the concrete index(es) of array elements
// that satisfied query, then delegating to the scalar modifier logic at
// each resolved path.
func applyFieldModifier(doc *Value, op, path string, arg Value, query Value) error {
	segs, err := expandPositional(*doc, splitPath(path), query)
	if err != nil {
		return err
	}

	for _, resolvedSegs := range segs {
		if err := applyAtPath(doc, op, resolvedSegs, arg); err != nil {
			return err
		}
	}

	return nil
}

// expandPositional resolves at most one `$` segment into the indexes of
// array elements matching query, per the resolved open question: an
// explicit numeric index earlier in the path is honored first (plain
// descent), then `$` resolves positionally within the array found there.
func expandPositional(doc Value, segs []string, query Value) ([][]string, error) {
	dollarAt := -1

	for i, s := range segs {
		if s == "$" {
			if dollarAt != -1 {
				return nil, newError(KindInvalidUpdate, fmt.Errorf("docstore: only one positional $ is allowed per path"))
			}

			dollarAt = i
		}
	}

	if dollarAt == -1 {
		return [][]string{segs}, nil
	}

	if dollarAt == 0 {
		return nil, newError(KindInvalidUpdate, fmt.Errorf("docstore: positional $ cannot be the first path segment"))
	}

	arrVal := resolveOne(doc, segs[:dollarAt])
	if arrVal.Kind() != KindArray {
		return nil, newError(KindInvalidUpdate, fmt.Errorf("docstore: positional $ requires an array at %q", strings.Join(segs[:dollarAt], ".")))
	}

	var out [][]string

	for i, el := range arrVal.AsArray() {
		ok, err := Match(el, query)
		if err != nil {
			return nil, err
		}

		if !ok {
			continue
		}

		resolved := make([]string, len(segs))
		copy(resolved, segs)
		resolved[dollarAt] = fmt.Sprint(i)
		out = append(out, resolved)
	}

	if len(out) == 0 {
		return nil, newError(KindInvalidUpdate, fmt.Errorf("docstore: positional $ matched no array element at %q", strings.Join(segs[:dollarAt], ".")))
	}

	return out, nil
}

func applyAtPath(doc *Value, op string, segs []string, arg Value) error {
	path := strings.Join(segs, ".")

	if path == fieldID || (len(segs) > 0 && segs[0] == fieldID) {
		return newError(KindImmutableID, fmt.Errorf("docstore: update cannot modify _id"))
	}

	switch op {
	case "$set":
		return setPath(*doc, segs, arg)

	case "$unset":
		deletePath(*doc, segs)

		return nil

	case "$inc":
		return modifyNumber(doc, segs, arg, func(cur, delta float64) float64 { return cur + delta })

	case "$min":
		return modifyExtremum(doc, segs, arg, -1)

	case "$max":
		return modifyExtremum(doc, segs, arg, 1)

	case "$push":
		return modifyPush(doc, segs, arg)

	case "$pushAll":
		if arg.Kind() != KindArray {
			return newError(KindInvalidUpdate, fmt.Errorf("docstore: $pushAll requires an array"))
		}

		return appendAll(doc, segs, arg.AsArray(), 0)

	case "$addToSet":
		return modifyAddToSet(doc, segs, arg)

	case "$pop":
		return modifyPop(doc, segs, arg)

	case "$pull":
		return modifyPull(doc, segs, arg)

	case "$pullAll":
		return modifyPullAll(doc, segs, arg)

	default:
		return newError(KindInvalidUpdate, fmt.Errorf("docstore: unknown update modifier %q", op))
	}
}

func modifyNumber(doc *Value, segs []string, arg Value, combine func(cur, delta float64) float64) error {
	if arg.Kind() != KindNumber {
		return newError(KindInvalidUpdate, fmt.Errorf("docstore: numeric modifier requires a number operand"))
	}

	cur := resolveOne(*doc, segs)

	base := 0.0

	if !cur.IsUndefined() {
		if cur.Kind() != KindNumber {
			return newError(KindInvalidUpdate, fmt.Errorf("docstore: numeric modifier target is not a number"))
		}

		base = cur.AsNumber()
	}

	return setPath(*doc, segs, Number(combine(base, arg.AsNumber())))
}

// modifyExtremum implements $min ($sign=-1) and $max ($sign=1): set when the
// new value is strictly less/greater than the current one, or when the
// field is missing.
func modifyExtremum(doc *Value, segs []string, arg Value, sign int) error {
	cur := resolveOne(*doc, segs)

	if cur.IsUndefined() {
		return setPath(*doc, segs, arg)
	}

	c := compareValues(arg, cur, defaultStringCompare)

	if (sign < 0 && c < 0) || (sign > 0 && c > 0) {
		return setPath(*doc, segs, arg)
	}

	return nil
}

func currentArray(doc *Value, segs []string) ([]Value, error) {
	cur := resolveOne(*doc, segs)

	if cur.IsUndefined() {
		return nil, nil
	}

	if cur.Kind() != KindArray {
		return nil, newError(KindInvalidUpdate, fmt.Errorf("docstore: array modifier target is not an array"))
	}

	return cur.AsArray(), nil
}

func modifyPush(doc *Value, segs []string, arg Value) error {
	if arg.Kind() == KindMap {
		if eachArg, ok := arg.AsMap().Get("$each"); ok {
			items := eachArg.AsArray()

			slice := 0
			hasSlice := false

			if sliceArg, ok := arg.AsMap().Get("$slice"); ok {
				n, ok := asInt(sliceArg)
				if !ok {
					return newError(KindInvalidUpdate, fmt.Errorf("docstore: $slice requires an integer"))
				}

				slice, hasSlice = n, true
			}

			return appendAll(doc, segs, items, boolToSliceFlag(hasSlice, slice))
		}
	}

	return appendAll(doc, segs, []Value{arg}, sliceNone)
}

const sliceNone = 1<<31 - 1 // sentinel: no $slice trimming requested

func boolToSliceFlag(has bool, n int) int {
	if !has {
		return sliceNone
	}

	return n
}

func appendAll(doc *Value, segs []string, items []Value, slice int) error {
	cur, err := currentArray(doc, segs)
	if err != nil {
		return err
	}

	out := append(append([]Value{}, cur...), items...)

	if slice != sliceNone {
		out = applySlice(out, slice)
	}

	return setPath(*doc, segs, Array(out...))
}

// applySlice implements $push's $slice: 0 clears, positive keeps the
// leading n elements, negative keeps the trailing n.
func applySlice(arr []Value, n int) []Value {
	switch {
	case n == 0:
		return nil
	case n > 0:
		if n >= len(arr) {
			return arr
		}

		return arr[:n]
	default:
		k := -n
		if k >= len(arr) {
			return arr
		}

		return arr[len(arr)-k:]
	}
}

func modifyAddToSet(doc *Value, segs []string, arg Value) error {
	var candidates []Value

	if arg.Kind() == KindMap {
		if eachArg, ok := arg.AsMap().Get("$each"); ok {
			candidates = eachArg.AsArray()
		}
	}

	if candidates == nil {
		candidates = []Value{arg}
	}

	cur, err := currentArray(doc, segs)
	if err != nil {
		return err
	}

	out := append([]Value{}, cur...)

	for _, c := range candidates {
		if !containsDeepEqual(out, c) {
			out = append(out, c)
		}
	}

	return setPath(*doc, segs, Array(out...))
}

func containsDeepEqual(arr []Value, v Value) bool {
	for _, el := range arr {
		if deepEqual(el, v) {
			return true
		}
	}

	return false
}

func modifyPop(doc *Value, segs []string, arg Value) error {
	n, ok := asInt(arg)
	if !ok {
		return newError(KindInvalidUpdate, fmt.Errorf("docstore: $pop requires an integer"))
	}

	cur, err := currentArray(doc, segs)
	if err != nil {
		return err
	}

	switch {
	case n == 0 || len(cur) == 0:
		return nil
	case n > 0:
		return setPath(*doc, segs, Array(cur[:len(cur)-1]...))
	default:
		return setPath(*doc, segs, Array(cur[1:]...))
	}
}

func modifyPull(doc *Value, segs []string, arg Value) error {
	cur, err := currentArray(doc, segs)
	if err != nil {
		return err
	}

	var out []Value

	for _, el := range cur {
		var ok bool

		// A sub-document is matched as a query; any other element is matched
		// as a field value against arg (an operator object or a plain value).
		if el.Kind() == KindMap && arg.Kind() == KindMap {
			ok, err = Match(el, arg)
		} else {
			ok, err = matchLeaf(el, arg)
		}

		if err != nil {
			return err
		}

		if !ok {
			out = append(out, el)
		}
	}

	return setPath(*doc, segs, Array(out...))
}

func modifyPullAll(doc *Value, segs []string, arg Value) error {
	if arg.Kind() != KindArray {
		return newError(KindInvalidUpdate, fmt.Errorf("docstore: $pullAll requires an array"))
	}

	cur, err := currentArray(doc, segs)
	if err != nil {
		return err
	}

	remove := arg.AsArray()

	var out []Value

	for _, el := range cur {
		if !containsDeepEqual(remove, el) {
			out = append(out, el)
		}
	}

	return setPath(*doc, segs, Array(out...))
}
