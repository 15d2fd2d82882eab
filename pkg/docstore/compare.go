package docstore

import "strings"

// StringComparator orders two strings, returning <0, 0, or >0. The default
// is lexicographic byte order (strings.Compare); a Datastore may be opened
// with a custom comparator (collation-aware, case-insensitive, etc.) via
// [Options.CompareStrings].
type StringComparator func(a, b string) int

func defaultStringCompare(a, b string) int { return strings.Compare(a, b) }

// typeRank orders Kinds for cross-type comparison per §4.2:
// undefined < null < number < string < boolean < date < array < map.
// ExternalID values rank like maps: they are opaque, compound identifiers.
func typeRank(k Kind) int {
	switch k {
	case KindUndefined:
		return 0
	case KindNull:
		return 1
	case KindNumber:
		return 2
	case KindString:
		return 3
	case KindBool:
		return 4
	case KindDate:
		return 5
	case KindArray:
		return 6
	case KindMap, KindExternalID:
		return 7
	default:
		return 8
	}
}

// compareValues implements the total order of §4.2. It never fails: values
// of differing, non-ordered-relative kinds still receive a deterministic
// cross-type ordering.
func compareValues(a, b Value, cmp StringComparator) int {
	ra, rb := typeRank(a.Kind()), typeRank(b.Kind())
	if ra != rb {
		return sign(ra - rb)
	}

	switch a.Kind() {
	case KindUndefined, KindNull:
		return 0

	case KindNumber:
		return compareFloat(a.AsNumber(), b.AsNumber())

	case KindString:
		return cmp(a.AsString(), b.AsString())

	case KindBool:
		return compareBool(a.AsBool(), b.AsBool())

	case KindDate:
		ta, tb := a.AsDate(), b.AsDate()

		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}

	case KindArray:
		return compareArrays(a.AsArray(), b.AsArray(), cmp)

	case KindMap:
		return compareMaps(a.AsMap(), b.AsMap(), cmp)

	case KindExternalID:
		return compareExternalID(a.AsExternalID(), b.AsExternalID())

	default:
		return 0
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}

	if !a {
		return -1
	}

	return 1
}

// compareArrays orders arrays lexicographically: element-wise comparison
// using the same total order, with a shorter array ranking below a longer
// one that shares its prefix.
func compareArrays(a, b []Value, cmp StringComparator) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareValues(a[i], b[i], cmp); c != 0 {
			return c
		}
	}

	return sign(len(a) - len(b))
}

// compareMaps orders maps by sorted-key element-wise comparison, then by
// key count, matching §4.2 and the $addToSet ordering resolution in
// SPEC_FULL.md §9 (canonical, insertion-order-independent comparison).
func compareMaps(a, b *OrderedMap, cmp StringComparator) int {
	ka, kb := a.SortedKeys(), b.SortedKeys()

	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := defaultStringCompare(ka[i], kb[i]); c != 0 {
			return c
		}

		va, _ := a.Get(ka[i])
		vb, _ := b.Get(kb[i])

		if c := compareValues(va, vb, cmp); c != 0 {
			return c
		}
	}

	return sign(len(ka) - len(kb))
}

func compareExternalID(a, b any) int {
	if a == b {
		return 0
	}

	as, aok := a.(string)
	bs, bok := b.(string)

	if aok && bok {
		return strings.Compare(as, bs)
	}

	// Incomparable opaque values: stable but arbitrary, never equal.
	return -1
}

// CompoundComparator compares two key vectors component-wise, returning at
// the first non-zero component, per §4.2's compound comparator.
func CompoundComparator(a, b []Value, cmp StringComparator) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := compareValues(a[i], b[i], cmp); c != 0 {
			return c
		}
	}

	return sign(len(a) - len(b))
}
