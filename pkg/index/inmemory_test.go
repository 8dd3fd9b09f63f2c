package index

import (
	"context"
	"testing"
)

func TestInMemoryUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	if err := store.EnsureCollection(ctx, "components", 3); err != nil {
		t.Fatalf("ensure collection: %v", err)
	}

	points := []Point{
		{ID: "a", Vector: []float32{1, 0, 0}, Payload: map[string]interface{}{"kind": "tool"}},
		{ID: "b", Vector: []float32{0, 1, 0}},
		{ID: "c", Vector: []float32{0.9, 0.1, 0}},
	}
	if err := store.Upsert(ctx, "components", points); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	results, err := store.Search(ctx, "components", []float32{1, 0, 0}, 2, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("expected exact match first, got %s", results[0].ID)
	}
	if results[1].ID != "c" {
		t.Errorf("expected near match second, got %s", results[1].ID)
	}
	if results[0].Payload["kind"] != "tool" {
		t.Errorf("payload not returned")
	}
}

func TestInMemoryScoreThreshold(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	_ = store.Upsert(ctx, "c", []Point{
		{ID: "far", Vector: []float32{0, 1}},
		{ID: "near", Vector: []float32{1, 0}},
	})

	results, err := store.Search(ctx, "c", []float32{1, 0}, 10, 0.5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "near" {
		t.Errorf("threshold should exclude orthogonal vector, got %v", results)
	}
}

func TestInMemoryUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	_ = store.Upsert(ctx, "c", []Point{{ID: "x", Vector: []float32{1, 0}}})
	_ = store.Upsert(ctx, "c", []Point{{ID: "x", Vector: []float32{0, 1}}})

	results, _ := store.Search(ctx, "c", []float32{0, 1}, 1, 0.9)
	if len(results) != 1 {
		t.Fatalf("expected replaced vector to match, got %v", results)
	}
}

func TestInMemoryDelete(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	_ = store.Upsert(ctx, "c", []Point{{ID: "x", Vector: []float32{1, 0}}})
	if err := store.Delete(ctx, "c", []string{"x", "missing"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	results, _ := store.Search(ctx, "c", []float32{1, 0}, 10, 0)
	if len(results) != 0 {
		t.Errorf("expected empty collection after delete, got %v", results)
	}
	// deleting from an unknown collection is a no-op
	if err := store.Delete(ctx, "unknown", []string{"x"}); err != nil {
		t.Errorf("delete on unknown collection should not fail: %v", err)
	}
}
