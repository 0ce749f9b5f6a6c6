package items

import (
	"sync"
	"testing"
	"time"
)

func TestCollectionReplaceSortsByOrder(t *testing.T) {
	collection := NewCollection()
	collection.Replace([]Item{
		{ID: "c", Order: 3},
		{ID: "a", Order: 1},
		{ID: "b", Order: 2},
	})

	snapshot := collection.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 items, got %d", len(snapshot))
	}
	for position, expected := range []string{"a", "b", "c"} {
		if snapshot[position].ID != expected {
			t.Fatalf("expected %s at position %d, got %s", expected, position, snapshot[position].ID)
		}
	}
}

func TestCollectionSnapshotIsACopy(t *testing.T) {
	collection := NewCollection()
	collection.Replace([]Item{{ID: "a", Order: 1, Title: "original"}})

	snapshot := collection.Snapshot()
	snapshot[0].Title = "mutated"

	stored, ok := collection.Get("a")
	if !ok {
		t.Fatalf("expected item a")
	}
	if stored.Title != "original" {
		t.Fatalf("snapshot mutation leaked into the collection")
	}
}

func TestCollectionDirtySelection(t *testing.T) {
	synced := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	collection := NewCollection()
	collection.Replace([]Item{
		{ID: "clean", Order: 1, UpdatedAt: synced.Add(-time.Hour), SyncedAt: &synced},
		{ID: "edited", Order: 2, UpdatedAt: synced.Add(time.Hour), SyncedAt: &synced},
		{ID: "new", Order: 3, UpdatedAt: synced},
	})

	dirty := collection.Dirty()
	if len(dirty) != 2 {
		t.Fatalf("expected 2 dirty items, got %d", len(dirty))
	}
	index := IndexByID(dirty)
	if _, ok := index["edited"]; !ok {
		t.Fatalf("expected edited item to be dirty")
	}
	if _, ok := index["new"]; !ok {
		t.Fatalf("expected never-synced item to be dirty")
	}
}

func TestDefaultSeedItemsAreDirty(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	seeded, err := DefaultSeed("user-1", now, NewUUIDProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seeded) == 0 {
		t.Fatalf("expected seed items")
	}
	seen := map[string]bool{}
	for _, it := range seeded {
		if !it.Dirty() {
			t.Fatalf("seeded item %s must need upload", it.ID)
		}
		if it.UserID != "user-1" {
			t.Fatalf("seeded item missing owner")
		}
		if seen[it.ID] {
			t.Fatalf("duplicate seeded id %s", it.ID)
		}
		seen[it.ID] = true
	}
}

func TestCollectionUpdateAppliesAtomically(t *testing.T) {
	collection := NewCollection()
	collection.Replace([]Item{{ID: "a", Order: 1}})

	// Interleaved Snapshot/Replace pairs would lose increments; Update
	// holds the write lock across the read-modify-write.
	var wg sync.WaitGroup
	const writers = 4
	const rounds = 50
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				collection.Update(func(current []Item) []Item {
					for j := range current {
						if current[j].ID == "a" {
							current[j].NotesWidth++
						}
					}
					return current
				})
			}
		}()
	}
	wg.Wait()

	got, _ := collection.Get("a")
	if got.NotesWidth != writers*rounds {
		t.Fatalf("lost updates: expected %d increments, got %d", writers*rounds, got.NotesWidth)
	}
}

func TestCollectionUpdateResortsByOrder(t *testing.T) {
	collection := NewCollection()
	collection.Replace([]Item{{ID: "a", Order: 1}, {ID: "b", Order: 2}})

	collection.Update(func(current []Item) []Item {
		for i := range current {
			if current[i].ID == "a" {
				current[i].Order = 3
			}
		}
		return append(current, Item{ID: "c", Order: 2.5})
	})

	snapshot := collection.Snapshot()
	for position, expected := range []string{"b", "c", "a"} {
		if snapshot[position].ID != expected {
			t.Fatalf("expected %s at position %d, got %s", expected, position, snapshot[position].ID)
		}
	}
}
