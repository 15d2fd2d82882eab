package docstore_test

import (
	"testing"

	"github.com/arcbase/docstore/pkg/docstore"
)

func projMap(pairs ...any) docstore.Value {
	m := docstore.NewOrderedMap()

	for i := 0; i < len(pairs); i += 2 {
		m.Set(pairs[i].(string), pairs[i+1].(docstore.Value))
	}

	return docstore.Map(m)
}

func Test_Project_When_ProjectionIsEmptyReturnsDocUnchanged(t *testing.T) {
	t.Parallel()

	doc := projMap("_id", docstore.String("abc"), "name", docstore.String("ada"))

	out, err := docstore.Project(doc, projMap())
	if err != nil {
		t.Fatalf("Project returned error: %v", err)
	}

	if got, _ := out.AsMap().Get("name"); got.AsString() != "ada" {
		t.Fatalf("expected an empty projection to return the document unchanged")
	}
}

func Test_Project_Include_When_OnlyListedFieldsSurviveAlongsideID(t *testing.T) {
	t.Parallel()

	doc := projMap(
		"_id", docstore.String("abc"),
		"name", docstore.String("ada"),
		"age", docstore.Int(30),
	)

	out, err := docstore.Project(doc, projMap("name", docstore.Int(1)))
	if err != nil {
		t.Fatalf("Project returned error: %v", err)
	}

	if _, ok := out.AsMap().Get("age"); ok {
		t.Fatalf("expected age to be excluded from an include projection that doesn't list it")
	}

	if _, ok := out.AsMap().Get("_id"); !ok {
		t.Fatalf("expected _id to survive an include projection by default")
	}

	if got, _ := out.AsMap().Get("name"); got.AsString() != "ada" {
		t.Fatalf("expected name to survive the include projection")
	}
}

func Test_Project_Include_When_IDIsExplicitlyExcluded(t *testing.T) {
	t.Parallel()

	doc := projMap("_id", docstore.String("abc"), "name", docstore.String("ada"))

	out, err := docstore.Project(doc, projMap("name", docstore.Int(1), "_id", docstore.Int(0)))
	if err != nil {
		t.Fatalf("Project returned error: %v", err)
	}

	if _, ok := out.AsMap().Get("_id"); ok {
		t.Fatalf("expected _id:0 to drop _id even in an include projection")
	}
}

func Test_Project_Exclude_When_OnlyListedFieldsAreDropped(t *testing.T) {
	t.Parallel()

	doc := projMap(
		"_id", docstore.String("abc"),
		"name", docstore.String("ada"),
		"age", docstore.Int(30),
	)

	out, err := docstore.Project(doc, projMap("age", docstore.Int(0)))
	if err != nil {
		t.Fatalf("Project returned error: %v", err)
	}

	if _, ok := out.AsMap().Get("age"); ok {
		t.Fatalf("expected age to be dropped by an exclude projection")
	}

	if got, _ := out.AsMap().Get("name"); got.AsString() != "ada" {
		t.Fatalf("expected name to survive an exclude projection that doesn't list it")
	}
}

func Test_Project_When_MixingIncludeAndExcludeFails(t *testing.T) {
	t.Parallel()

	doc := projMap("name", docstore.String("ada"), "age", docstore.Int(30))

	_, err := docstore.Project(doc, projMap("name", docstore.Int(1), "age", docstore.Int(0)))
	if err == nil {
		t.Fatalf("expected mixing include and exclude projection entries to fail")
	}
}

func Test_Project_Include_When_NestedDottedPathKeepsOnlyThatSubtree(t *testing.T) {
	t.Parallel()

	addr := docstore.NewOrderedMap()
	addr.Set("city", docstore.String("NYC"))
	addr.Set("zip", docstore.String("10001"))

	doc := projMap("_id", docstore.String("abc"), "address", docstore.Map(addr))

	out, err := docstore.Project(doc, projMap("address.city", docstore.Int(1)))
	if err != nil {
		t.Fatalf("Project returned error: %v", err)
	}

	gotAddr, ok := out.AsMap().Get("address")
	if !ok {
		t.Fatalf("expected address to survive the projection")
	}

	if _, ok := gotAddr.AsMap().Get("zip"); ok {
		t.Fatalf("expected zip to be pruned from the projected nested subtree")
	}

	city, ok := gotAddr.AsMap().Get("city")
	if !ok || city.AsString() != "NYC" {
		t.Fatalf("expected city to survive the nested include projection")
	}
}

func Test_Project_Exclude_When_PathCrossesArrayFansOutToEveryElement(t *testing.T) {
	t.Parallel()

	el1 := docstore.NewOrderedMap()
	el1.Set("x", docstore.Int(1))
	el1.Set("y", docstore.Int(2))

	el2 := docstore.NewOrderedMap()
	el2.Set("x", docstore.Int(3))
	el2.Set("y", docstore.Int(4))

	doc := projMap("items", docstore.Array(docstore.Map(el1), docstore.Map(el2)))

	out, err := docstore.Project(doc, projMap("items.y", docstore.Int(0)))
	if err != nil {
		t.Fatalf("Project returned error: %v", err)
	}

	items, _ := out.AsMap().Get("items")

	for i, el := range items.AsArray() {
		if _, ok := el.AsMap().Get("y"); ok {
			t.Fatalf("expected element %d to have y excluded", i)
		}

		if _, ok := el.AsMap().Get("x"); !ok {
			t.Fatalf("expected element %d to keep x", i)
		}
	}
}

func Test_Project_When_InvalidProjectionValueFails(t *testing.T) {
	t.Parallel()

	doc := projMap("name", docstore.String("ada"))

	_, err := docstore.Project(doc, projMap("name", docstore.Int(2)))
	if err == nil {
		t.Fatalf("expected a projection value other than 0/1 to fail")
	}
}
