package docstore

import (
	"fmt"
	"time"

	"github.com/arcbase/docstore/internal/fs"
)

// Options configures a Datastore.
type Options struct {
	// FilePath is the log file's path on disk. Required.
	FilePath string

	// FS overrides the filesystem implementation; defaults to [fs.NewReal].
	// Tests substitute [fs.Chaos] or [fs.Crash] here.
	FS fs.FS

	// Durable fsyncs after every append and rewrite. Default true.
	Durable *bool

	// CorruptThreshold is the maximum tolerated fraction of malformed log
	// lines before Open fails. Default [DefaultCorruptThreshold].
	CorruptThreshold float64

	// CompareStrings overrides string comparison for ordering and index
	// keys. Default lexicographic byte order.
	CompareStrings StringComparator

	// Lock guards FilePath with an advisory, same-host, cross-process file
	// lock for the Datastore's lifetime. Default true.
	Lock *bool

	// TTLCheckInterval controls how often expired documents (§6) are
	// proactively swept from disk. Default one minute. Independently of
	// this sweep, Find always excludes expired documents immediately.
	TTLCheckInterval time.Duration
}

func (o Options) durable() bool {
	if o.Durable == nil {
		return true
	}

	return *o.Durable
}

func (o Options) lockEnabled() bool {
	if o.Lock == nil {
		return true
	}

	return *o.Lock
}

func (o Options) corruptThreshold() float64 {
	if o.CorruptThreshold == 0 {
		return DefaultCorruptThreshold
	}

	return o.CorruptThreshold
}

func (o Options) compare() StringComparator {
	if o.CompareStrings == nil {
		return defaultStringCompare
	}

	return o.CompareStrings
}

func (o Options) ttlInterval() time.Duration {
	if o.TTLCheckInterval == 0 {
		return time.Minute
	}

	return o.TTLCheckInterval
}

// UpdateResult reports the outcome of an Update call.
type UpdateResult struct {
	Matched  int
	Upserted bool
	UpsertID string
}

// Datastore is an embedded, single-process, file-backed document
// collection. All state mutation is linearized through its executor per
// §5; callers may use a Datastore concurrently from multiple goroutines
// without external synchronization.
type Datastore struct {
	opts Options
	fsys fs.FS
	cmp  StringComparator

	exec *executor
	lock *fs.Lock

	docs  map[string]Value
	order []string

	indexes map[string]*Index

	ttlFields map[string]time.Duration // index name -> expireAfterSeconds, as a Duration
	ttlStop   chan struct{}
	ttlDone   chan struct{}

	closed bool
}

// Open loads (or creates) the log file at opts.FilePath and returns a ready
// Datastore. Operations submitted concurrently with Open queue behind the
// load per §4.8's buffering mode.
func Open(opts Options) (*Datastore, error) {
	if opts.FilePath == "" {
		return nil, newError(KindIoError, fmt.Errorf("docstore: FilePath is required"))
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	ds := &Datastore{
		opts:      opts,
		fsys:      fsys,
		cmp:       opts.compare(),
		exec:      newExecutor(),
		docs:      make(map[string]Value),
		indexes:   make(map[string]*Index),
		ttlFields: make(map[string]time.Duration),
	}

	ds.indexes[fieldID] = NewIndex(IndexSpec{Name: fieldID, Fields: []string{fieldID}, Unique: true}, ds.cmp)

	if opts.lockEnabled() {
		locker := fs.NewLocker(opts.FilePath + ".lock")

		lock, err := locker.Lock(5 * time.Second)
		if err != nil {
			ds.exec.Close()

			return nil, newError(KindIoError, fmt.Errorf("docstore: acquiring lock: %w", err))
		}

		ds.lock = lock
	}

	if err := ds.exec.submitLoad(ds.loadDatabase); err != nil {
		ds.exec.drainBuffer()
		ds.Close()

		return nil, err
	}

	ds.exec.drainBuffer()

	ds.startTTLSweep()

	return ds, nil
}

func (ds *Datastore) loadDatabase() error {
	if err := recoverOnOpen(ds.fsys, ds.opts.FilePath); err != nil {
		return err
	}

	state, err := loadLog(ds.fsys, ds.opts.FilePath, ds.opts.corruptThreshold())
	if err != nil {
		return err
	}

	ds.docs = state.docs
	ds.order = state.order

	for _, spec := range state.indexSpecs {
		ds.indexes[spec.Name] = NewIndex(spec, ds.cmp)
	}

	for _, idx := range ds.indexes {
		docs := make([]Value, 0, len(ds.order))
		for _, id := range ds.order {
			docs = append(docs, ds.docs[id])
		}

		if err := idx.Reset(docs); err != nil {
			return err
		}
	}

	return ds.rewriteLocked()
}

// Close stops the TTL sweep and executor, and releases the advisory lock.
// Pending operations are allowed to drain first.
func (ds *Datastore) Close() error {
	if ds.ttlStop != nil {
		close(ds.ttlStop)
		<-ds.ttlDone
	}

	err := ds.exec.Submit(func() error {
		if ds.closed {
			return nil
		}

		ds.closed = true

		if ds.lock != nil {
			return wrapIO(ds.lock.Close())
		}

		return nil
	})

	ds.exec.Close()

	return err
}

func (ds *Datastore) checkOpen() error {
	if ds.closed {
		return newError(KindClosed, fmt.Errorf("docstore: datastore is closed"))
	}

	return nil
}

// Insert adds doc, assigning `_id` if absent, and returns the stored
// document (with its final `_id`).
func (ds *Datastore) Insert(doc Value) (Value, error) {
	var result Value

	err := ds.exec.Submit(func() error {
		var err error

		result, err = ds.insertLocked(doc)

		return err
	})

	return result, err
}

func (ds *Datastore) insertLocked(doc Value) (Value, error) {
	if err := ds.checkOpen(); err != nil {
		return Value{}, err
	}

	stored := DeepCopy(doc, false)

	if stored.Kind() != KindMap {
		return Value{}, newError(KindInvalidField, fmt.Errorf("docstore: document must be an object"))
	}

	if id, ok := stored.AsMap().Get(fieldID); !ok || id.Kind() != KindString || id.AsString() == "" {
		stored.AsMap().Set(fieldID, String(NewID()))
	}

	if err := CheckObject(stored); err != nil {
		return Value{}, err
	}

	idVal, _ := stored.AsMap().Get(fieldID)
	id := idVal.AsString()

	if err := ds.stageInsert(stored); err != nil {
		return Value{}, err
	}

	if err := appendEvents(ds.fsys, ds.opts.FilePath, []Value{stored}, ds.opts.durable()); err != nil {
		ds.unstageInsert(stored)

		return Value{}, err
	}

	ds.docs[id] = stored
	ds.order = append(ds.order, id)

	return DeepCopy(stored, false), nil
}

func (ds *Datastore) stageInsert(doc Value) error {
	staged := make([]*Index, 0, len(ds.indexes))

	for _, idx := range ds.indexes {
		if err := idx.Insert(doc); err != nil {
			for _, s := range staged {
				s.Remove(doc)
			}

			return err
		}

		staged = append(staged, idx)
	}

	return nil
}

func (ds *Datastore) unstageInsert(doc Value) {
	for _, idx := range ds.indexes {
		idx.Remove(doc)
	}
}

// Find returns every live document matching query.
func (ds *Datastore) Find(query Value) ([]Value, error) {
	var result []Value

	err := ds.exec.Submit(func() error {
		var err error

		result, err = ds.findLocked(query)

		return err
	})

	return result, err
}

// FindOne returns the first live document matching query, or Undefined()
// if none match.
func (ds *Datastore) FindOne(query Value) (Value, error) {
	docs, err := ds.Find(query)
	if err != nil {
		return Value{}, err
	}

	if len(docs) == 0 {
		return Undefined(), nil
	}

	return docs[0], nil
}

// Count returns the number of live documents matching query.
func (ds *Datastore) Count(query Value) (int, error) {
	docs, err := ds.Find(query)

	return len(docs), err
}

func (ds *Datastore) findLocked(query Value) ([]Value, error) {
	if err := ds.checkOpen(); err != nil {
		return nil, err
	}

	ids := ds.candidateIDs(query)

	var out []Value

	now := ds.ttlNow()

	for _, id := range ids {
		doc, ok := ds.docs[id]
		if !ok || ds.isExpired(doc, now) {
			continue
		}

		ok, err := Match(doc, query)
		if err != nil {
			return nil, err
		}

		if ok {
			out = append(out, DeepCopy(doc, false))
		}
	}

	return out, nil
}

// candidateIDs picks the candidate ids for query from an index: it walks the
// query's top-level fields in key order and uses the first one that has an
// index and an expression candidateFromExpr can serve (a plain value as an
// equality lookup; within an operator object, $in first, then range bounds,
// then $eq). Fields are not ranked against each other, so an equality on a
// later field does not win over a range on an earlier one. With no such
// field it falls back to a full scan over every live id.
func (ds *Datastore) candidateIDs(query Value) []string {
	if query.Kind() == KindMap {
		for _, key := range query.AsMap().Keys() {
			if key == "$or" || key == "$and" || key == "$not" || key == "$where" {
				continue
			}

			idx, ok := ds.indexes[key]
			if !ok {
				continue
			}

			val, _ := query.AsMap().Get(key)

			if ids, ok := candidateFromExpr(idx, val); ok {
				return ids
			}
		}
	}

	return append([]string{}, ds.order...)
}

func candidateFromExpr(idx *Index, expr Value) ([]string, bool) {
	if expr.Kind() != KindMap {
		return idx.GetMatching(expr), true
	}

	ops := expr.AsMap()

	if len(ops.Keys()) == 0 {
		return nil, false
	}

	if in, ok := ops.Get("$in"); ok && in.Kind() == KindArray {
		return idx.GetMatchingAny(in.AsArray()), true
	}

	var b Bounds

	hasBound := false

	if v, ok := ops.Get("$gt"); ok {
		b.Gt, hasBound = &v, true
	}

	if v, ok := ops.Get("$gte"); ok {
		b.Gte, hasBound = &v, true
	}

	if v, ok := ops.Get("$lt"); ok {
		b.Lt, hasBound = &v, true
	}

	if v, ok := ops.Get("$lte"); ok {
		b.Lte, hasBound = &v, true
	}

	if hasBound {
		return idx.GetBetweenBounds(b), true
	}

	if eq, ok := ops.Get("$eq"); ok {
		return idx.GetMatching(eq), true
	}

	return nil, false
}

// Update applies update to every live document matching query, returning
// the number matched. If upsert is requested and nothing matches, a new
// document is constructed from update (or query, for modifier form) and
// inserted.
func (ds *Datastore) Update(query, update Value, multi, upsert bool) (UpdateResult, error) {
	var result UpdateResult

	err := ds.exec.Submit(func() error {
		var err error

		result, err = ds.updateLocked(query, update, multi, upsert)

		return err
	})

	return result, err
}

func (ds *Datastore) updateLocked(query, update Value, multi, upsert bool) (UpdateResult, error) {
	if err := ds.checkOpen(); err != nil {
		return UpdateResult{}, err
	}

	matches, err := ds.findLocked(query)
	if err != nil {
		return UpdateResult{}, err
	}

	if len(matches) == 0 {
		if !upsert {
			return UpdateResult{}, nil
		}

		doc, err := upsertDocument(query, update)
		if err != nil {
			return UpdateResult{}, err
		}

		stored, err := ds.insertLocked(doc)
		if err != nil {
			return UpdateResult{}, err
		}

		id, _ := stored.AsMap().Get(fieldID)

		return UpdateResult{Upserted: true, UpsertID: id.AsString()}, nil
	}

	if !multi {
		matches = matches[:1]
	}

	pairsByIndex := make(map[string][]UpdatePair, len(ds.indexes))

	newDocs := make([]Value, 0, len(matches))

	for _, old := range matches {
		id := docIDString(old)

		live, ok := ds.docs[id]
		if !ok {
			continue
		}

		newDoc, err := Modify(live, update, query)
		if err != nil {
			return UpdateResult{}, err
		}

		for name := range ds.indexes {
			pairsByIndex[name] = append(pairsByIndex[name], UpdatePair{Old: live, New: newDoc})
		}

		newDocs = append(newDocs, newDoc)
	}

	if err := ds.stageUpdateBatch(pairsByIndex); err != nil {
		return UpdateResult{}, err
	}

	if err := appendEvents(ds.fsys, ds.opts.FilePath, newDocs, ds.opts.durable()); err != nil {
		ds.unstageUpdateBatch(pairsByIndex)

		return UpdateResult{}, err
	}

	for _, nd := range newDocs {
		id := docIDString(nd)
		ds.docs[id] = nd
	}

	return UpdateResult{Matched: len(newDocs)}, nil
}

func (ds *Datastore) stageUpdateBatch(pairsByIndex map[string][]UpdatePair) error {
	applied := make([]string, 0, len(pairsByIndex))

	for name, pairs := range pairsByIndex {
		if err := ds.indexes[name].UpdateMany(pairs); err != nil {
			for _, doneName := range applied {
				revertPairs := ds.indexes[doneName]
				for _, p := range pairsByIndex[doneName] {
					revertPairs.RevertUpdate(p.Old, p.New)
				}
			}

			return err
		}

		applied = append(applied, name)
	}

	return nil
}

func (ds *Datastore) unstageUpdateBatch(pairsByIndex map[string][]UpdatePair) {
	for name, pairs := range pairsByIndex {
		for _, p := range pairs {
			ds.indexes[name].RevertUpdate(p.Old, p.New)
		}
	}
}

func upsertDocument(query, update Value) (Value, error) {
	keys := update.AsMap().Keys()

	allDollar, allPlain := classifyKeys(keys)

	if allPlain || len(keys) == 0 {
		return DeepCopy(update, true), nil
	}

	if !allDollar {
		return Value{}, newError(KindInvalidUpdate, fmt.Errorf("docstore: cannot mix replacement and modifier forms"))
	}

	base := NewOrderedMap()

	if query.Kind() == KindMap {
		for _, k := range query.AsMap().Keys() {
			if k == "$or" || k == "$and" || k == "$not" || k == "$where" {
				continue
			}

			v, _ := query.AsMap().Get(k)

			if v.Kind() != KindMap {
				_ = setPath(Map(base), splitPath(k), v)
			}
		}
	}

	return Modify(Map(base), update, query)
}

// Remove deletes every live document matching query, returning the count
// removed.
func (ds *Datastore) Remove(query Value, multi bool) (int, error) {
	var n int

	err := ds.exec.Submit(func() error {
		var err error

		n, err = ds.removeLocked(query, multi)

		return err
	})

	return n, err
}

func (ds *Datastore) removeLocked(query Value, multi bool) (int, error) {
	if err := ds.checkOpen(); err != nil {
		return 0, err
	}

	matches, err := ds.findLocked(query)
	if err != nil {
		return 0, err
	}

	if len(matches) == 0 {
		return 0, nil
	}

	if !multi {
		matches = matches[:1]
	}

	events := make([]Value, 0, len(matches))
	removed := make([]Value, 0, len(matches))

	for _, m := range matches {
		id := docIDString(m)

		live, ok := ds.docs[id]
		if !ok {
			continue
		}

		removed = append(removed, live)
		events = append(events, deletionRecord(id))
	}

	for _, idx := range ds.indexes {
		idx.RemoveMany(removed)
	}

	if err := appendEvents(ds.fsys, ds.opts.FilePath, events, ds.opts.durable()); err != nil {
		for _, idx := range ds.indexes {
			_ = idx.InsertMany(removed)
		}

		return 0, err
	}

	for _, m := range removed {
		id := docIDString(m)
		delete(ds.docs, id)
		ds.order = removeString(ds.order, id)
	}

	return len(removed), nil
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}

	return s
}

// EnsureIndex creates spec if it does not already exist (idempotent if an
// existing index matches spec), building it from the current document set
// and appending a `$$indexCreated` record.
func (ds *Datastore) EnsureIndex(spec IndexSpec) error {
	return ds.exec.Submit(func() error {
		return ds.ensureIndexLocked(spec)
	})
}

func (ds *Datastore) ensureIndexLocked(spec IndexSpec) error {
	if err := ds.checkOpen(); err != nil {
		return err
	}

	if existing, ok := ds.indexes[spec.Name]; ok {
		if sameIndexSpec(existing.Spec(), spec) {
			return nil
		}
	}

	idx := NewIndex(spec, ds.cmp)

	docs := make([]Value, 0, len(ds.order))
	for _, id := range ds.order {
		docs = append(docs, ds.docs[id])
	}

	if err := idx.Reset(docs); err != nil {
		return err
	}

	if err := appendEvents(ds.fsys, ds.opts.FilePath, []Value{indexCreatedRecord(spec)}, ds.opts.durable()); err != nil {
		return err
	}

	ds.indexes[spec.Name] = idx

	return nil
}

func sameIndexSpec(a, b IndexSpec) bool {
	if a.Unique != b.Unique || a.Sparse != b.Sparse || len(a.Fields) != len(b.Fields) {
		return false
	}

	for i := range a.Fields {
		if a.Fields[i] != b.Fields[i] {
			return false
		}
	}

	return true
}

// RemoveIndex drops the named index.
func (ds *Datastore) RemoveIndex(name string) error {
	return ds.exec.Submit(func() error {
		return ds.removeIndexLocked(name)
	})
}

func (ds *Datastore) removeIndexLocked(name string) error {
	if err := ds.checkOpen(); err != nil {
		return err
	}

	if name == fieldID {
		return newError(KindInvalidField, fmt.Errorf("docstore: cannot remove the _id index"))
	}

	if _, ok := ds.indexes[name]; !ok {
		return nil
	}

	if err := appendEvents(ds.fsys, ds.opts.FilePath, []Value{indexRemovedRecord(name)}, ds.opts.durable()); err != nil {
		return err
	}

	delete(ds.indexes, name)
	delete(ds.ttlFields, name)

	return nil
}

// GetCandidates returns the current candidate id set for query without
// materializing or filtering documents, exposed for diagnostics.
func (ds *Datastore) GetCandidates(query Value) ([]string, error) {
	var ids []string

	err := ds.exec.Submit(func() error {
		if err := ds.checkOpen(); err != nil {
			return err
		}

		ids = ds.candidateIDs(query)

		return nil
	})

	return ids, err
}

// Compact rewrites the log file as a snapshot of the current live
// documents and index declarations (§4.9's Compaction).
func (ds *Datastore) Compact() error {
	return ds.exec.Submit(ds.rewriteLocked)
}

func (ds *Datastore) rewriteLocked() error {
	specs := make([]IndexSpec, 0, len(ds.indexes))

	for name, idx := range ds.indexes {
		if name == fieldID {
			continue
		}

		specs = append(specs, idx.Spec())
	}

	data, err := serializeSnapshot(ds.docs, ds.order, specs)
	if err != nil {
		return err
	}

	return rewriteLog(ds.fsys, ds.opts.FilePath, data)
}

func (ds *Datastore) ttlNow() time.Time { return time.Now() }

// isExpired reports whether doc is past any TTL index's expiry, per §6:
// a TTL index names a single date-valued field and an expireAfterSeconds
// window.
func (ds *Datastore) isExpired(doc Value, now time.Time) bool {
	for _, idx := range ds.indexes {
		spec := idx.Spec()

		if spec.ExpireAfterSeconds == nil || len(spec.Fields) != 1 {
			continue
		}

		v := resolveOne(doc, splitPath(spec.Fields[0]))
		if v.Kind() != KindDate {
			continue
		}

		window := time.Duration(*spec.ExpireAfterSeconds * float64(time.Second))
		if now.Sub(v.AsDate()) > window {
			return true
		}
	}

	return false
}

func (ds *Datastore) startTTLSweep() {
	ds.ttlStop = make(chan struct{})
	ds.ttlDone = make(chan struct{})

	interval := ds.opts.ttlInterval()

	go func() {
		defer close(ds.ttlDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ds.ttlStop:
				return
			case <-ticker.C:
				_ = ds.exec.Submit(ds.sweepExpiredLocked)
			}
		}
	}()
}

func (ds *Datastore) sweepExpiredLocked() error {
	if ds.closed {
		return nil
	}

	now := ds.ttlNow()

	var expired []Value

	for _, id := range ds.order {
		if doc, ok := ds.docs[id]; ok && ds.isExpired(doc, now) {
			expired = append(expired, doc)
		}
	}

	if len(expired) == 0 {
		return nil
	}

	events := make([]Value, 0, len(expired))
	for _, d := range expired {
		events = append(events, deletionRecord(docIDString(d)))
	}

	for _, idx := range ds.indexes {
		idx.RemoveMany(expired)
	}

	if err := appendEvents(ds.fsys, ds.opts.FilePath, events, ds.opts.durable()); err != nil {
		for _, idx := range ds.indexes {
			_ = idx.InsertMany(expired)
		}

		return err
	}

	for _, d := range expired {
		id := docIDString(d)
		delete(ds.docs, id)
		ds.order = removeString(ds.order, id)
	}

	return nil
}
