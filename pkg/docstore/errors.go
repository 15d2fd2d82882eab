package docstore

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the taxonomy of errors the public API can return.
type ErrorKind uint8

const (
	// KindInvalidField indicates a reserved character in a document key.
	KindInvalidField ErrorKind = iota
	// KindInvalidQuery indicates an unknown operator or malformed operand.
	KindInvalidQuery
	// KindInvalidUpdate indicates a malformed or unknown update modifier.
	KindInvalidUpdate
	// KindInvalidProjection indicates a projection mixing include/exclude modes.
	KindInvalidProjection
	// KindUniqueViolated indicates a unique-index constraint violation.
	KindUniqueViolated
	// KindMalformedLine indicates an undecodable log line.
	KindMalformedLine
	// KindLoadCorrupted indicates the corrupted-line fraction exceeded the threshold.
	KindLoadCorrupted
	// KindIoError indicates an underlying filesystem error.
	KindIoError
	// KindImmutableID indicates an update attempted to change _id.
	KindImmutableID
	// KindClosed indicates an operation was attempted on a closed Datastore.
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidField:
		return "invalid_field"
	case KindInvalidQuery:
		return "invalid_query"
	case KindInvalidUpdate:
		return "invalid_update"
	case KindInvalidProjection:
		return "invalid_projection"
	case KindUniqueViolated:
		return "unique_violated"
	case KindMalformedLine:
		return "malformed_line"
	case KindLoadCorrupted:
		return "load_corrupted"
	case KindIoError:
		return "io_error"
	case KindImmutableID:
		return "immutable_id"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the uniform error type returned by all public docstore APIs.
//
// Use [errors.As] to extract structured fields:
//
//	var dErr *docstore.Error
//	if errors.As(err, &dErr) {
//	    fmt.Println(dErr.Kind, dErr.Key, dErr.IndexName)
//	}
type Error struct {
	// Kind classifies the failure; see the Kind* constants.
	Kind ErrorKind

	// Key is the offending index key, set for KindUniqueViolated.
	Key Value

	// IndexName names the violated or malformed index, when known.
	IndexName string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
		if msg == "" {
			msg = e.Kind.String()
		}
	}

	suffix := e.suffix()
	if suffix == "" {
		return msg
	}

	return msg + " " + suffix
}

func (e *Error) suffix() string {
	if e.IndexName == "" {
		return ""
	}

	if e.Kind == KindUniqueViolated {
		return fmt.Sprintf("(index=%s key=%v)", e.IndexName, formatErrorKey(e.Key))
	}

	return fmt.Sprintf("(index=%s)", e.IndexName)
}

func formatErrorKey(v Value) string {
	if v.IsUndefined() {
		return "<undefined>"
	}

	return fmt.Sprint(stringifyForError(v))
}

// Unwrap returns the underlying cause for use with [errors.Is]/[errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Is reports whether target is an *Error with the same Kind, supporting
// errors.Is(err, &Error{Kind: KindUniqueViolated}) style checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == t.Kind
}

type errOpt func(*Error)

func withKey(k Value) errOpt { return func(e *Error) { e.Key = k } }

func withIndex(name string) errOpt { return func(e *Error) { e.IndexName = name } }

// newError constructs an *Error of the given kind wrapping cause, applying opts.
func newError(kind ErrorKind, cause error, opts ...errOpt) *Error {
	e := &Error{Kind: kind, Err: cause}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// wrapIO wraps an arbitrary filesystem error as a KindIoError *Error, or
// returns nil if err is nil. Existing *Error values pass through unchanged.
func wrapIO(err error) error {
	if err == nil {
		return nil
	}

	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}

	return newError(KindIoError, err)
}

func errReservedDollar(key string) error {
	return fmt.Errorf("docstore: field name %q starts with '$'", key)
}

func errReservedDot(key string) error {
	return fmt.Errorf("docstore: field name %q contains '.'", key)
}

func stringifyForError(v Value) any {
	switch v.Kind() {
	case KindString:
		return v.AsString()
	case KindNumber:
		return v.AsNumber()
	case KindBool:
		return v.AsBool()
	case KindNull:
		return nil
	case KindDate:
		return v.AsDate()
	default:
		return "<complex>"
	}
}
