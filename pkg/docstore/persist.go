package docstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/arcbase/docstore/internal/fs"
)

// rewriteSuffix names the sibling temp file used by the crash-safe rewrite
// protocol (§4.7): "<file>~".
const rewriteSuffix = "~"

// DefaultCorruptThreshold is the maximum tolerated fraction of malformed
// lines during load before Open fails with KindLoadCorrupted.
const DefaultCorruptThreshold = 0.1

// loadedState is the folded result of reading a datastore's log (§4.7's
// Load: "reconstruct state by folding events").
type loadedState struct {
	docs       map[string]Value
	order      []string // _id values in first-seen order, for stable getAll/compaction ordering
	seen       map[string]bool
	indexSpecs []IndexSpec
	corrupted  int
	total      int
}

// recoverOnOpen implements §4.7's integrity check on open: use the target
// if it exists; otherwise recover an interrupted rewrite from its "<file>~"
// sibling; otherwise create an empty file.
func recoverOnOpen(fsys fs.FS, path string) error {
	exists, err := fsys.Exists(path)
	if err != nil {
		return wrapIO(err)
	}

	if exists {
		return nil
	}

	sibling := path + rewriteSuffix

	siblingExists, err := fsys.Exists(sibling)
	if err != nil {
		return wrapIO(err)
	}

	if siblingExists {
		return wrapIO(fsys.Rename(sibling, path))
	}

	return wrapIO(fsys.WriteFile(path, nil, 0o644))
}

// loadLog reads and folds path's event log, failing with KindLoadCorrupted
// if more than corruptThreshold of its lines are malformed.
func loadLog(fsys fs.FS, path string, corruptThreshold float64) (*loadedState, error) {
	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, wrapIO(err)
	}

	state := &loadedState{docs: make(map[string]Value), seen: make(map[string]bool)}

	decls := make(map[string]IndexSpec)

	var declOrder []string

	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		state.total++

		v, err := Deserialize(line)
		if err == nil {
			err = foldEvent(state, decls, &declOrder, v)
		}

		if err != nil {
			state.corrupted++
		}
	}

	if state.total > 0 && float64(state.corrupted)/float64(state.total) > corruptThreshold {
		return nil, newError(KindLoadCorrupted, fmt.Errorf("docstore: %d/%d log lines corrupted, exceeds threshold %.2f", state.corrupted, state.total, corruptThreshold))
	}

	live := state.order[:0]

	for _, id := range state.order {
		if _, ok := state.docs[id]; ok {
			live = append(live, id)
		}
	}

	state.order = live

	for _, name := range declOrder {
		if spec, ok := decls[name]; ok {
			state.indexSpecs = append(state.indexSpecs, spec)
		}
	}

	return state, nil
}

func foldEvent(state *loadedState, decls map[string]IndexSpec, declOrder *[]string, v Value) error {
	if v.Kind() != KindMap {
		return fmt.Errorf("docstore: log record is not an object")
	}

	m := v.AsMap()

	if del, ok := m.Get(keyDeleted); ok {
		return foldDelete(state, del, m)
	}

	if created, ok := m.Get(keyIndexCreated); ok {
		return foldIndexCreated(decls, declOrder, created)
	}

	if removed, ok := m.Get(keyIndexRemoved); ok {
		return foldIndexRemoved(decls, removed)
	}

	idv, ok := m.Get(fieldID)
	if !ok || idv.Kind() != KindString {
		return fmt.Errorf("docstore: document record missing _id")
	}

	id := idv.AsString()

	state.docs[id] = v

	if !state.seen[id] {
		state.seen[id] = true

		state.order = append(state.order, id)
	}

	return nil
}

func foldDelete(state *loadedState, del Value, m *OrderedMap) error {
	if del.Kind() != KindBool || !del.AsBool() {
		return fmt.Errorf("docstore: malformed deletion record")
	}

	idv, ok := m.Get(fieldID)
	if !ok || idv.Kind() != KindString {
		return fmt.Errorf("docstore: deletion record missing _id")
	}

	delete(state.docs, idv.AsString())

	return nil
}

func foldIndexCreated(decls map[string]IndexSpec, declOrder *[]string, created Value) error {
	spec, err := decodeIndexSpec(created)
	if err != nil {
		return err
	}

	if _, exists := decls[spec.Name]; !exists {
		*declOrder = append(*declOrder, spec.Name)
	}

	decls[spec.Name] = spec

	return nil
}

func foldIndexRemoved(decls map[string]IndexSpec, removed Value) error {
	if removed.Kind() != KindString {
		return fmt.Errorf("docstore: malformed index-remove record")
	}

	delete(decls, removed.AsString())

	return nil
}

func decodeIndexSpec(v Value) (IndexSpec, error) {
	if v.Kind() != KindMap {
		return IndexSpec{}, fmt.Errorf("docstore: malformed index-create record")
	}

	fnv, ok := v.AsMap().Get("fieldName")
	if !ok {
		return IndexSpec{}, fmt.Errorf("docstore: index-create record missing fieldName")
	}

	var fields []string

	switch fnv.Kind() {
	case KindString:
		fields = []string{fnv.AsString()}

	case KindArray:
		for _, el := range fnv.AsArray() {
			if el.Kind() != KindString {
				return IndexSpec{}, fmt.Errorf("docstore: index fieldName array must contain strings")
			}

			fields = append(fields, el.AsString())
		}

	default:
		return IndexSpec{}, fmt.Errorf("docstore: index fieldName must be a string or array of strings")
	}

	spec := IndexSpec{Name: strings.Join(fields, ","), Fields: fields}

	if u, ok := v.AsMap().Get("unique"); ok && u.Kind() == KindBool {
		spec.Unique = u.AsBool()
	}

	if s, ok := v.AsMap().Get("sparse"); ok && s.Kind() == KindBool {
		spec.Sparse = s.AsBool()
	}

	if e, ok := v.AsMap().Get("expireAfterSeconds"); ok && e.Kind() == KindNumber {
		secs := e.AsNumber()
		spec.ExpireAfterSeconds = &secs
	}

	return spec, nil
}

func deletionRecord(id string) Value {
	m := NewOrderedMap()
	m.Set(keyDeleted, Bool(true))
	m.Set(fieldID, String(id))

	return Map(m)
}

func indexCreatedRecord(spec IndexSpec) Value {
	inner := NewOrderedMap()

	if len(spec.Fields) == 1 {
		inner.Set("fieldName", String(spec.Fields[0]))
	} else {
		items := make([]Value, len(spec.Fields))
		for i, f := range spec.Fields {
			items[i] = String(f)
		}

		inner.Set("fieldName", Array(items...))
	}

	if spec.Unique {
		inner.Set("unique", Bool(true))
	}

	if spec.Sparse {
		inner.Set("sparse", Bool(true))
	}

	if spec.ExpireAfterSeconds != nil {
		inner.Set("expireAfterSeconds", Number(*spec.ExpireAfterSeconds))
	}

	m := NewOrderedMap()
	m.Set(keyIndexCreated, Map(inner))

	return Map(m)
}

func indexRemovedRecord(name string) Value {
	m := NewOrderedMap()
	m.Set(keyIndexRemoved, String(name))

	return Map(m)
}

// appendEvents writes events to path as a single append, syncing to
// storage when durable is true (§4.7's Append: "one write syscall per
// logical operation if practical").
func appendEvents(fsys fs.FS, path string, events []Value, durable bool) error {
	var buf bytes.Buffer

	for _, e := range events {
		line, err := Serialize(e)
		if err != nil {
			return err
		}

		buf.Write(line)
		buf.WriteByte('\n')
	}

	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapIO(err)
	}

	defer f.Close()

	if _, err := f.Write(buf.Bytes()); err != nil {
		return wrapIO(err)
	}

	if durable {
		if err := f.Sync(); err != nil {
			return wrapIO(err)
		}
	}

	return nil
}

// rewriteLog replaces path's content with data using the crash-safe
// 6-step protocol of §4.7.
func rewriteLog(fsys fs.FS, path string, data []byte) error {
	dir := filepath.Dir(path)

	syncDirBestEffort(fsys, dir)

	if exists, err := fsys.Exists(path); err != nil {
		return wrapIO(err)
	} else if exists {
		if err := syncFile(fsys, path); err != nil {
			return err
		}
	}

	temp := path + rewriteSuffix

	if err := writeAndSyncTemp(fsys, temp, data); err != nil {
		return err
	}

	if err := fsys.Rename(temp, path); err != nil {
		return wrapIO(err)
	}

	syncDirBestEffort(fsys, dir)

	return nil
}

func writeAndSyncTemp(fsys fs.FS, temp string, data []byte) error {
	f, err := fsys.OpenFile(temp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return wrapIO(err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()

		return wrapIO(err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return wrapIO(err)
	}

	return wrapIO(f.Close())
}

func syncFile(fsys fs.FS, path string) error {
	f, err := fsys.Open(path)
	if err != nil {
		return wrapIO(err)
	}

	defer f.Close()

	return wrapIO(f.Sync())
}

// syncDirBestEffort fsyncs the directory dir, silently skipping
// platforms/filesystems where directory fsync is unsupported (§4.7).
func syncDirBestEffort(fsys fs.FS, dir string) {
	f, err := fsys.Open(dir)
	if err != nil {
		return
	}

	defer f.Close()

	_ = f.Sync()
}

// serializeSnapshot renders every live document plus every current index
// declaration as a compacted log body (§4.9's Compaction).
func serializeSnapshot(docs map[string]Value, order []string, specs []IndexSpec) ([]byte, error) {
	var buf bytes.Buffer

	for _, id := range order {
		doc, ok := docs[id]
		if !ok {
			continue
		}

		line, err := Serialize(doc)
		if err != nil {
			return nil, err
		}

		buf.Write(line)
		buf.WriteByte('\n')
	}

	for _, spec := range specs {
		if spec.Name == fieldID {
			continue
		}

		line, err := Serialize(indexCreatedRecord(spec))
		if err != nil {
			return nil, err
		}

		buf.Write(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}
