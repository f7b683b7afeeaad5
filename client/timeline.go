package client

import (
	"sort"
	"sync"
)

// Timeline is the ordered, de-duplicated view of one room. Live and history
// entries may arrive in any order.
type Timeline struct {
	mu      sync.Mutex
	items   []timelineItem
	byID    map[string]int
	arrival uint64
}

type timelineItem struct {
	entry   Entry
	arrival uint64
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]int)}
}

// Add inserts entries not yet present and reports how many were new. Entries
// without an id are always appended.
func (t *Timeline) Add(entries ...Entry) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, entry := range entries {
		if entry.ID != "" {
			if _, dup := t.byID[entry.ID]; dup {
				continue
			}
		}
		t.arrival++
		t.items = append(t.items, timelineItem{entry: entry, arrival: t.arrival})
		if entry.ID != "" {
			t.byID[entry.ID] = len(t.items) - 1
		}
		added++
	}
	if added > 0 {
		t.reorder()
	}
	return added
}

// Update applies fn to the entry with id. It reports whether the entry
// exists.
func (t *Timeline) Update(id string, fn func(*Entry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byID[id]
	if !ok {
		return false
	}
	fn(&t.items[idx].entry)
	return true
}

// Get returns the entry with id.
func (t *Timeline) Get(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return t.items[idx].entry, true
}

// Entries returns a snapshot ordered by creation time, then arrival.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.items))
	for i, item := range t.items {
		out[i] = item.entry
	}
	return out
}

// Oldest returns the earliest entry, used as the next history cursor.
func (t *Timeline) Oldest() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.items) == 0 {
		return Entry{}, false
	}
	return t.items[0].entry, true
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *Timeline) reorder() {
	sort.SliceStable(t.items, func(i, j int) bool {
		a, b := t.items[i], t.items[j]
		if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
			return a.entry.CreatedAt.Before(b.entry.CreatedAt)
		}
		return a.arrival < b.arrival
	})
	clear(t.byID)
	for i, item := range t.items {
		if item.entry.ID != "" {
			t.byID[item.entry.ID] = i
		}
	}
}
