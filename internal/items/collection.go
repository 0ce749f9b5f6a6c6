package items

import (
	"sort"
	"sync"
)

// Collection holds the in-memory item set for one session. All mutation is
// expressed as replacing the stored slice with a derived slice; consumers
// take a snapshot, derive, and call Replace.
type Collection struct {
	mu      sync.RWMutex
	records []Item
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{}
}

// Snapshot returns a copy of the current item slice.
func (c *Collection) Snapshot() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, len(c.records))
	copy(out, c.records)
	return out
}

// Replace swaps the stored items for the provided slice, re-sorted by the
// order key ascending. The input slice is copied.
func (c *Collection) Replace(next []Item) {
	sorted := make([]Item, len(next))
	copy(sorted, next)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	c.mu.Lock()
	c.records = sorted
	c.mu.Unlock()
}

// Update derives the next item set while holding the write lock, so no
// other mutation can slip between reading the current state and storing the
// result. fn receives a copy it may mutate or extend freely; the returned
// slice replaces the contents, re-sorted by the order key.
func (c *Collection) Update(fn func(current []Item) []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	working := make([]Item, len(c.records))
	copy(working, c.records)
	next := fn(working)
	sorted := make([]Item, len(next))
	copy(sorted, next)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order < sorted[j].Order
	})
	c.records = sorted
}

// Len reports the number of stored items.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Get returns the item with the provided id.
func (c *Collection) Get(id string) (Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, it := range c.records {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Dirty returns the items needing upload per the dirtiness invariant.
func (c *Collection) Dirty() []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var dirty []Item
	for _, it := range c.records {
		if it.Dirty() {
			dirty = append(dirty, it)
		}
	}
	return dirty
}

// Clear drops every stored item.
func (c *Collection) Clear() {
	c.mu.Lock()
	c.records = nil
	c.mu.Unlock()
}
