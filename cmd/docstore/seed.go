package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arcbase/docstore/pkg/docstore"
)

// seedFromYAML reads a YAML document list and inserts each element,
// converting YAML's scalar/mapping/sequence tree into docstore.Value the
// way codec.go converts a decoded JSON tree.
func seedFromYAML(ds *docstore.Datastore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading fixture: %w", err)
	}

	var raw []any

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("parsing fixture: %w", err)
	}

	for i, item := range raw {
		doc, err := valueFromGeneric(item)
		if err != nil {
			return i, fmt.Errorf("document %d: %w", i, err)
		}

		if _, err := ds.Insert(doc); err != nil {
			return i, fmt.Errorf("document %d: %w", i, err)
		}
	}

	return len(raw), nil
}

func valueFromGeneric(v any) (docstore.Value, error) {
	switch val := v.(type) {
	case nil:
		return docstore.Null(), nil
	case bool:
		return docstore.Bool(val), nil
	case string:
		return docstore.String(val), nil
	case int:
		return docstore.Int(int64(val)), nil
	case int64:
		return docstore.Int(val), nil
	case float64:
		return docstore.Number(val), nil
	case time.Time:
		return docstore.Date(val), nil
	case []any:
		items := make([]docstore.Value, len(val))

		for i, el := range val {
			item, err := valueFromGeneric(el)
			if err != nil {
				return docstore.Value{}, err
			}

			items[i] = item
		}

		return docstore.Array(items...), nil
	case map[string]any:
		m := docstore.NewOrderedMap()

		for _, k := range sortedStringKeys(val) {
			item, err := valueFromGeneric(val[k])
			if err != nil {
				return docstore.Value{}, err
			}

			m.Set(k, item)
		}

		return docstore.Map(m), nil
	case map[any]any:
		plain := make(map[string]any, len(val))

		for k, mv := range val {
			key, ok := k.(string)
			if !ok {
				return docstore.Value{}, fmt.Errorf("non-string map key %v", k)
			}

			plain[key] = mv
		}

		return valueFromGeneric(plain)
	default:
		return docstore.Value{}, fmt.Errorf("unsupported YAML value of type %T", v)
	}
}

func sortedStringKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
