package docstore

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
)

var (
	errMixedOperators = errors.New("docstore: cannot mix operator keys with plain keys in a query expression")
	errWhereNotFunc   = errors.New("docstore: $where must be a predicate registered via docstore.Where, not a string")
)

// WherePredicate wraps a Go predicate for use as a $where query clause. The
// spec's design notes reject string predicates outright (SPEC_FULL.md §4.3,
// §9) in favor of this opaque, programmatically-supplied form.
func WherePredicate(fn func(Value) bool) Value {
	return ExternalID(wherePredicate(fn))
}

type wherePredicate func(Value) bool

// Regex wraps a pre-compiled pattern for use as a field expression's direct
// right-hand side, e.g. Field("name", docstore.Regex(re)).
func Regex(re *regexp.Regexp) Value {
	return ExternalID(re)
}

var regexCache sync.Map // map[string]*regexp.Regexp

func compileRegexCached(pattern, options string) (*regexp.Regexp, error) {
	flags := regexFlags(options)
	key := flags + pattern

	if v, ok := regexCache.Load(key); ok {
		return v.(*regexp.Regexp), nil
	}

	re, err := regexp.Compile(flags + pattern)
	if err != nil {
		return nil, newError(KindInvalidQuery, fmt.Errorf("docstore: compiling $regex: %w", err))
	}

	regexCache.Store(key, re)

	return re, nil
}

func regexFlags(options string) string {
	if options == "" {
		return ""
	}

	return "(?" + options + ")"
}

// Match reports whether doc satisfies query. query's top-level entries are
// implicitly AND-ed together; each is either a logical operator ($or, $and,
// $not, $where) or a dotted-path field expression (§4.3).
func Match(doc Value, query Value) (bool, error) {
	if query.Kind() != KindMap {
		return false, newError(KindInvalidQuery, fmt.Errorf("docstore: query must be an object"))
	}

	for _, key := range query.AsMap().Keys() {
		val, _ := query.AsMap().Get(key)

		ok, err := matchEntry(doc, key, val)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func matchEntry(doc Value, key string, val Value) (bool, error) {
	switch key {
	case "$or":
		return matchOr(doc, val)
	case "$and":
		return matchAnd(doc, val)
	case "$not":
		return matchNot(doc, val)
	case "$where":
		return matchWhere(doc, val)
	default:
		return matchField(doc, key, val)
	}
}

func matchOr(doc Value, val Value) (bool, error) {
	subs, err := asSubqueryArray(val, "$or")
	if err != nil {
		return false, err
	}

	for _, sub := range subs {
		ok, err := Match(doc, sub)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

func matchAnd(doc Value, val Value) (bool, error) {
	subs, err := asSubqueryArray(val, "$and")
	if err != nil {
		return false, err
	}

	for _, sub := range subs {
		ok, err := Match(doc, sub)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func matchNot(doc Value, val Value) (bool, error) {
	if val.Kind() != KindMap {
		return false, newError(KindInvalidQuery, fmt.Errorf("docstore: $not requires an object operand"))
	}

	ok, err := Match(doc, val)
	if err != nil {
		return false, err
	}

	return !ok, nil
}

func matchWhere(doc Value, val Value) (bool, error) {
	if val.Kind() != KindExternalID {
		return false, newError(KindInvalidQuery, errWhereNotFunc)
	}

	pred, ok := val.AsExternalID().(wherePredicate)
	if !ok {
		return false, newError(KindInvalidQuery, errWhereNotFunc)
	}

	return pred(doc), nil
}

func asSubqueryArray(val Value, op string) ([]Value, error) {
	if val.Kind() != KindArray {
		return nil, newError(KindInvalidQuery, fmt.Errorf("docstore: %s requires an array of subqueries", op))
	}

	for _, sub := range val.AsArray() {
		if sub.Kind() != KindMap {
			return nil, newError(KindInvalidQuery, fmt.Errorf("docstore: %s subquery must be an object", op))
		}
	}

	return val.AsArray(), nil
}

func matchField(doc Value, path string, expr Value) (bool, error) {
	candidates := resolveAll(doc, splitPath(path))

	for _, candidate := range candidates {
		ok, err := matchLeaf(candidate, expr)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

func matchLeaf(value Value, expr Value) (bool, error) {
	if expr.Kind() == KindMap {
		keys := expr.AsMap().Keys()

		if len(keys) > 0 {
			allDollar, allPlain := classifyKeys(keys)
			if !allDollar && !allPlain {
				return false, newError(KindInvalidQuery, errMixedOperators)
			}

			if allDollar {
				return matchOperators(value, expr.AsMap())
			}
		}

		return equalityMatch(value, expr), nil
	}

	if re, ok := asRegexp(expr); ok {
		return regexMatch(value, re), nil
	}

	return equalityMatch(value, expr), nil
}

func classifyKeys(keys []string) (allDollar, allPlain bool) {
	allDollar, allPlain = true, true

	for _, k := range keys {
		if len(k) > 0 && k[0] == '$' {
			allPlain = false
		} else {
			allDollar = false
		}
	}

	return allDollar, allPlain
}

func asRegexp(v Value) (*regexp.Regexp, bool) {
	if v.Kind() != KindExternalID {
		return nil, false
	}

	re, ok := v.AsExternalID().(*regexp.Regexp)

	return re, ok
}

func regexMatch(value Value, re *regexp.Regexp) bool {
	if value.Kind() == KindArray {
		for _, el := range value.AsArray() {
			if el.Kind() == KindString && re.MatchString(el.AsString()) {
				return true
			}
		}

		return false
	}

	return value.Kind() == KindString && re.MatchString(value.AsString())
}

func equalityMatch(value, expr Value) bool {
	if expr.Kind() == KindArray {
		return deepEqual(value, expr)
	}

	if value.Kind() == KindArray {
		for _, el := range value.AsArray() {
			if deepEqual(el, expr) {
				return true
			}
		}

		return false
	}

	return deepEqual(value, expr)
}

// matchOperators evaluates an operator object against value. The whole-value
// operators never fan out over array elements; they either inherently
// operate on the whole array ($size, $elemMatch) or the spec calls them out
// as array-specific ($ne, $eq with an explicit array operand).
func matchOperators(value Value, ops *OrderedMap) (bool, error) {
	var fannable []string

	for _, op := range ops.Keys() {
		arg, _ := ops.Get(op)

		switch op {
		case "$size":
			n, ok := asInt(arg)
			if !ok {
				return false, newError(KindInvalidQuery, fmt.Errorf("docstore: $size requires an integer"))
			}

			if value.Kind() != KindArray || len(value.AsArray()) != n {
				return false, nil
			}

		case "$elemMatch":
			if arg.Kind() != KindMap {
				return false, newError(KindInvalidQuery, fmt.Errorf("docstore: $elemMatch requires an object"))
			}

			if value.Kind() != KindArray {
				return false, nil
			}

			matched := false

			for _, el := range value.AsArray() {
				ok, err := Match(el, arg)
				if err != nil {
					return false, err
				}

				if ok {
					matched = true

					break
				}
			}

			if !matched {
				return false, nil
			}

		case "$ne":
			if !(value.IsUndefined() || !deepEqual(value, arg)) {
				return false, nil
			}

		case "$eq":
			if arg.Kind() == KindArray {
				if !deepEqual(value, arg) {
					return false, nil
				}
			} else {
				fannable = append(fannable, op)
			}

		case "$options":
			// consumed alongside $regex below

		default:
			fannable = append(fannable, op)
		}
	}

	if len(fannable) == 0 {
		return true, nil
	}

	return matchFannableOps(value, ops, fannable)
}

// matchFannableOps evaluates operators that fan out over array elements
// (comparison, $in/$nin, $exists, $eq-with-scalar, $regex) per §4.3's
// array semantics: if value is an array, true when some element satisfies
// every fannable operator simultaneously.
func matchFannableOps(value Value, ops *OrderedMap, fannable []string) (bool, error) {
	if value.Kind() != KindArray {
		return evalFannableAgainst(value, ops, fannable)
	}

	for _, el := range value.AsArray() {
		ok, err := evalFannableAgainst(el, ops, fannable)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

func evalFannableAgainst(value Value, ops *OrderedMap, fannable []string) (bool, error) {
	for _, op := range fannable {
		arg, _ := ops.Get(op)

		ok, err := evalOneFannable(value, ops, op, arg)
		if err != nil {
			return false, err
		}

		if !ok {
			return false, nil
		}
	}

	return true, nil
}

func evalOneFannable(value Value, ops *OrderedMap, op string, arg Value) (bool, error) {
	switch op {
	case "$lt", "$lte", "$gt", "$gte":
		return compareOp(value, arg, op), nil

	case "$eq":
		return deepEqual(value, arg), nil

	case "$in":
		return inSet(value, arg)

	case "$nin":
		ok, err := inSet(value, arg)

		return !ok, err

	case "$exists":
		return (!value.IsUndefined()) == arg.AsBool(), nil

	case "$regex":
		options := ""
		if optV, ok := ops.Get("$options"); ok && optV.Kind() == KindString {
			options = optV.AsString()
		}

		pattern, ok := argAsPattern(arg)
		if !ok {
			return false, newError(KindInvalidQuery, fmt.Errorf("docstore: $regex requires a string or compiled pattern"))
		}

		re, err := compileRegexCached(pattern, options)
		if err != nil {
			return false, err
		}

		return value.Kind() == KindString && re.MatchString(value.AsString()), nil

	default:
		return false, newError(KindInvalidQuery, fmt.Errorf("docstore: unknown operator %q", op))
	}
}

func argAsPattern(v Value) (string, bool) {
	if v.Kind() == KindString {
		return v.AsString(), true
	}

	if re, ok := asRegexp(v); ok {
		return re.String(), true
	}

	return "", false
}

// compareOp requires comparable types (string/number/date) and returns
// false (not an error) on a type mismatch, per §4.3/§7 (TypeMismatch is a
// boolean outcome, not a propagated error).
func compareOp(a, b Value, op string) bool {
	if !comparableKinds(a.Kind(), b.Kind()) {
		return false
	}

	c := compareValues(a, b, defaultStringCompare)

	switch op {
	case "$lt":
		return c < 0
	case "$lte":
		return c <= 0
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	default:
		return false
	}
}

func comparableKinds(a, b Kind) bool {
	ok := func(k Kind) bool { return k == KindString || k == KindNumber || k == KindDate }

	return ok(a) && ok(b) && a == b
}

func inSet(value Value, set Value) (bool, error) {
	if set.Kind() != KindArray {
		return false, newError(KindInvalidQuery, fmt.Errorf("docstore: $in/$nin requires an array"))
	}

	for _, item := range set.AsArray() {
		if deepEqual(value, item) {
			return true, nil
		}
	}

	return false, nil
}

func asInt(v Value) (int, bool) {
	if v.Kind() != KindNumber {
		return 0, false
	}

	n := v.AsNumber()
	if n != float64(int(n)) {
		return 0, false
	}

	return int(n), true
}
