package realtimeclient

import (
	"sort"
	"sync"
)

// VisibleSet holds the notifications currently shown, at most limit of them.
// Notifications are deduplicated by id for the life of the set: a replayed
// or re-published notification is ignored even after it was evicted.
type VisibleSet struct {
	mu    sync.Mutex
	limit int
	seq   uint64
	items []visibleItem
	seen  map[string]bool
}

type visibleItem struct {
	n   Notification
	seq uint64
}

func NewVisibleSet(limit int) *VisibleSet {
	if limit < 1 {
		limit = 1
	}
	return &VisibleSet{limit: limit, seen: make(map[string]bool)}
}

// Add shows n. It reports whether n was new and returns the notification
// evicted to respect the cap, which may be n itself when everything shown
// outranks it. The lowest priority is evicted first, then the oldest.
func (v *VisibleSet) Add(n Notification) (added bool, evicted *Notification) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.seen[n.ID] {
		return false, nil
	}
	v.seen[n.ID] = true
	v.seq++
	v.items = append(v.items, visibleItem{n: n, seq: v.seq})
	if len(v.items) <= v.limit {
		return true, nil
	}

	victim := 0
	for i := 1; i < len(v.items); i++ {
		if outranks(v.items[victim], v.items[i]) {
			victim = i
		}
	}
	out := v.items[victim].n
	v.items = append(v.items[:victim], v.items[victim+1:]...)
	return true, &out
}

// outranks reports whether a should stay over b.
func outranks(a, b visibleItem) bool {
	if a.n.Priority != b.n.Priority {
		return a.n.Priority > b.n.Priority
	}
	if !a.n.CreatedAt.Equal(b.n.CreatedAt) {
		return a.n.CreatedAt.After(b.n.CreatedAt)
	}
	return a.seq > b.seq
}

// Remove hides a notification, for example after it was dismissed. It stays
// deduplicated.
func (v *VisibleSet) Remove(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, it := range v.items {
		if it.n.ID == id {
			v.items = append(v.items[:i], v.items[i+1:]...)
			return true
		}
	}
	return false
}

// Items returns the shown notifications, highest priority first, then
// newest first.
func (v *VisibleSet) Items() []Notification {
	v.mu.Lock()
	defer v.mu.Unlock()
	sorted := append([]visibleItem(nil), v.items...)
	sort.SliceStable(sorted, func(i, j int) bool { return outranks(sorted[i], sorted[j]) })
	out := make([]Notification, len(sorted))
	for i, it := range sorted {
		out[i] = it.n
	}
	return out
}

func (v *VisibleSet) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}
