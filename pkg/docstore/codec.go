package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

func dateFromEpochMillis(ms float64) Value {
	return Date(time.UnixMilli(int64(ms)))
}

// Serialize renders a document to its single-line, type-preserving log
// form (§4.1). Dates are escaped as {"$$date": <epoch-ms>}. The result
// never contains an embedded newline.
func Serialize(v Value) ([]byte, error) {
	var buf bytes.Buffer

	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v Value) error {
	switch v.Kind() {
	case KindNull, KindUndefined:
		buf.WriteString("null")

		return nil

	case KindBool:
		if v.AsBool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}

		return nil

	case KindNumber:
		buf.WriteString(formatNumber(v.AsNumber()))

		return nil

	case KindString:
		return encodeJSONString(buf, v.AsString())

	case KindDate:
		buf.WriteString(`{"`)
		buf.WriteString(keyDate)
		buf.WriteString(`":`)
		buf.WriteString(strconv.FormatInt(v.AsDate().UnixMilli(), 10))
		buf.WriteByte('}')

		return nil

	case KindArray:
		buf.WriteByte('[')

		for i, el := range v.AsArray() {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := encodeValue(buf, el); err != nil {
				return err
			}
		}

		buf.WriteByte(']')

		return nil

	case KindMap:
		buf.WriteByte('{')

		for i, k := range v.AsMap().Keys() {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := encodeJSONString(buf, k); err != nil {
				return err
			}

			buf.WriteByte(':')

			child, _ := v.AsMap().Get(k)
			if err := encodeValue(buf, child); err != nil {
				return err
			}
		}

		buf.WriteByte('}')

		return nil

	case KindExternalID:
		raw, err := json.Marshal(v.AsExternalID())
		if err != nil {
			return fmt.Errorf("docstore: encoding external id: %w", err)
		}

		buf.Write(raw)

		return nil

	default:
		return fmt.Errorf("docstore: cannot encode value of kind %v", v.Kind())
	}
}

func formatNumber(n float64) string {
	raw, _ := json.Marshal(n)

	return string(raw)
}

func encodeJSONString(buf *bytes.Buffer, s string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("docstore: encoding string: %w", err)
	}

	buf.Write(raw)

	return nil
}

// Deserialize parses a single log line back into a Value, reconstructing
// date values from their {"$$date": ...} escape. Returns a MalformedLine
// error if line does not decode as JSON.
func Deserialize(line []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return Value{}, newError(KindMalformedLine, fmt.Errorf("docstore: malformed log line: %w", err))
	}

	if _, err := dec.Token(); err != io.EOF {
		return Value{}, newError(KindMalformedLine, fmt.Errorf("docstore: trailing data after document"))
	}

	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}

	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return Null(), nil

	case bool:
		return Bool(t), nil

	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("decoding number %q: %w", t.String(), err)
		}

		return Number(f), nil

	case string:
		return String(t), nil

	case json.Delim:
		switch t {
		case '[':
			return decodeArray(dec)
		case '{':
			return decodeObject(dec)
		default:
			return Value{}, fmt.Errorf("unexpected delimiter %q", t)
		}

	default:
		return Value{}, fmt.Errorf("unexpected token %v (%T)", tok, tok)
	}
}

func decodeArray(dec *json.Decoder) (Value, error) {
	var items []Value

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}

		v, err := decodeToken(dec, tok)
		if err != nil {
			return Value{}, err
		}

		items = append(items, v)
	}

	if _, err := dec.Token(); err != nil { // consume ']'
		return Value{}, err
	}

	return Array(items...), nil
}

func decodeObject(dec *json.Decoder) (Value, error) {
	m := NewOrderedMap()

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Value{}, err
		}

		key, ok := keyTok.(string)
		if !ok {
			return Value{}, fmt.Errorf("expected object key, got %v", keyTok)
		}

		v, err := decodeValue(dec)
		if err != nil {
			return Value{}, err
		}

		m.Set(key, v)
	}

	if _, err := dec.Token(); err != nil { // consume '}'
		return Value{}, err
	}

	// Recognize the {"$$date": <epoch-ms>} escape produced by Serialize.
	if m.Len() == 1 {
		if dv, ok := m.Get(keyDate); ok && dv.Kind() == KindNumber {
			return dateFromEpochMillis(dv.AsNumber()), nil
		}
	}

	return Map(m), nil
}
