package docstore

import (
	"crypto/rand"
	"strings"
)

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const idLength = 16

// NewID returns a 16-character alphanumeric identifier drawn from a
// cryptographically strong random source, matching §3's invariant that
// assigned _id values are unguessable.
func NewID() string {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		panic("docstore: crypto/rand unavailable: " + err.Error())
	}

	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}

	return string(out)
}

// reserved top-level encodings recognized only at the log-record level.
const (
	keyDate          = "$$date"
	keyDeleted       = "$$deleted"
	keyIndexCreated  = "$$indexCreated"
	keyIndexRemoved  = "$$indexRemoved"
	fieldID          = "_id"
)

// CheckObject walks the document tree and rejects any map key that begins
// with '$' (except the "$$"-prefixed encoded forms) or contains '.'.
func CheckObject(v Value) error {
	switch v.Kind() {
	case KindMap:
		for _, k := range v.AsMap().Keys() {
			if err := checkKey(k); err != nil {
				return err
			}

			child, _ := v.AsMap().Get(k)
			if err := CheckObject(child); err != nil {
				return err
			}
		}

	case KindArray:
		for _, el := range v.AsArray() {
			if err := CheckObject(el); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkKey(k string) error {
	if k == keyDate || k == keyDeleted || k == keyIndexCreated || k == keyIndexRemoved {
		return nil
	}

	if strings.HasPrefix(k, "$") {
		return newError(KindInvalidField, errReservedDollar(k))
	}

	if strings.Contains(k, ".") {
		return newError(KindInvalidField, errReservedDot(k))
	}

	return nil
}

// DeepCopy recursively copies maps and arrays so mutations made by a caller
// who received a document from the store cannot corrupt the store's
// internal state, and vice versa. Primitives, dates, and opaque
// [ExternalID] values are returned as-is since they are immutable from the
// caller's perspective. When strictKeys is true, reserved keys ($-prefixed,
// dotted) are silently dropped instead of copied, used when materializing
// an update's query operand as a replacement document.
func DeepCopy(v Value, strictKeys bool) Value {
	switch v.Kind() {
	case KindMap:
		out := NewOrderedMap()

		for _, k := range v.AsMap().Keys() {
			if strictKeys {
				if strings.HasPrefix(k, "$") || strings.Contains(k, ".") {
					continue
				}
			}

			child, _ := v.AsMap().Get(k)
			out.Set(k, DeepCopy(child, strictKeys))
		}

		return Map(out)

	case KindArray:
		src := v.AsArray()
		out := make([]Value, len(src))

		for i, el := range src {
			out[i] = DeepCopy(el, strictKeys)
		}

		return Array(out...)

	default:
		return v
	}
}

// deepEqual reports structural equality per §4.2's comparator rules: maps
// compare by sorted-key element-wise comparison (order-independent, per
// SPEC_FULL.md §9's $addToSet resolution), arrays compare element-wise in
// order, dates/numbers by value, strings/bools by value.
func deepEqual(a, b Value) bool {
	return compareValues(a, b, defaultStringCompare) == 0
}
