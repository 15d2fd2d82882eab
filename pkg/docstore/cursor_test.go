package docstore_test

import (
	"path/filepath"
	"testing"

	"github.com/arcbase/docstore/pkg/docstore"
)

func openTestStore(t *testing.T) *docstore.Datastore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")

	ds, err := docstore.Open(docstore.Options{FilePath: path})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	t.Cleanup(func() { ds.Close() })

	return ds
}

func insertAge(t *testing.T, ds *docstore.Datastore, age int64) {
	t.Helper()

	m := docstore.NewOrderedMap()
	m.Set("age", docstore.Int(age))

	if _, err := ds.Insert(docstore.Map(m)); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}
}

func ages(t *testing.T, docs []docstore.Value) []int64 {
	t.Helper()

	out := make([]int64, len(docs))

	for i, d := range docs {
		v, ok := d.AsMap().Get("age")
		if !ok {
			t.Fatalf("expected every document to carry an age field")
		}

		out[i] = int64(v.AsNumber())
	}

	return out
}

func sortSpec(path string, dir int64) docstore.Value {
	m := docstore.NewOrderedMap()
	m.Set(path, docstore.Int(dir))

	return docstore.Map(m)
}

func Test_Cursor_SortThenFilter_When_FindGtSortAscending(t *testing.T) {
	t.Parallel()

	ds := openTestStore(t)

	for _, age := range []int64{89, 23, 57, 17, 52} {
		insertAge(t, ds, age)
	}

	gt := docstore.NewOrderedMap()
	gt.Set("$gt", docstore.Int(23))

	query := docstore.NewOrderedMap()
	query.Set("age", docstore.Map(gt))

	docs, err := ds.Cursor(docstore.Map(query)).Sort(sortSpec("age", 1)).Exec()
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}

	got := ages(t, docs)
	want := []int64{52, 57, 89}

	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func Test_Cursor_SkipThenLimit_When_BothChained(t *testing.T) {
	t.Parallel()

	ds := openTestStore(t)

	for _, age := range []int64{89, 23, 57, 17, 52} {
		insertAge(t, ds, age)
	}

	docs, err := ds.Cursor(docstore.Map(docstore.NewOrderedMap())).
		Sort(sortSpec("age", 1)).
		Limit(3).
		Skip(1).
		Exec()
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}

	got := ages(t, docs)
	want := []int64{23, 52, 57}

	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected skip-then-limit order %v, got %v", want, got)
		}
	}
}

func Test_Cursor_Sort_When_SpecIsNotAnObjectFailsAtExec(t *testing.T) {
	t.Parallel()

	ds := openTestStore(t)

	insertAge(t, ds, 1)

	_, err := ds.Cursor(docstore.Map(docstore.NewOrderedMap())).Sort(docstore.Int(1)).Exec()
	if err == nil {
		t.Fatalf("expected a non-object sort spec to fail at Exec")
	}
}

func Test_Cursor_Sort_When_DirectionIsNotOneOrMinusOne(t *testing.T) {
	t.Parallel()

	ds := openTestStore(t)

	insertAge(t, ds, 1)

	_, err := ds.Cursor(docstore.Map(docstore.NewOrderedMap())).Sort(sortSpec("age", 2)).Exec()
	if err == nil {
		t.Fatalf("expected a sort direction other than 1/-1 to fail at Exec")
	}
}

func Test_Cursor_Projection_When_AppliedLastAfterSortSkipLimit(t *testing.T) {
	t.Parallel()

	ds := openTestStore(t)

	insertAge(t, ds, 1)
	insertAge(t, ds, 2)

	proj := docstore.NewOrderedMap()
	proj.Set("age", docstore.Int(1))
	proj.Set("_id", docstore.Int(0))

	docs, err := ds.Cursor(docstore.Map(docstore.NewOrderedMap())).
		Sort(sortSpec("age", 1)).
		Projection(docstore.Map(proj)).
		Exec()
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}

	for _, d := range docs {
		if _, ok := d.AsMap().Get("_id"); ok {
			t.Fatalf("expected the projection to drop _id from every result")
		}
	}
}
