// Package table aggregates completed call spans per call site key.
package table

import (
	"sort"
	"sync"

	"github.com/Emyrk/callhook/hook/clock"
)

// Item is the aggregate for one call site.
type Item struct {
	Key   string `json:"key" yaml:"key"`
	Calls int64  `json:"calls" yaml:"calls"`
	// Total is the inclusive time of every completed span.
	Total clock.Duration `json:"-" yaml:"-"`
}

// Time returns the accumulated time in seconds.
func (i Item) Time() float64 {
	return i.Total.Seconds()
}

// Table maps call site keys to items. Safe for concurrent use, several
// execution streams may merge into one table.
type Table struct {
	mu    sync.Mutex
	items map[string]*Item
}

func New() *Table {
	return &Table{items: make(map[string]*Item)}
}

// GetOrCreate returns the item for key, inserting a zeroed one if needed.
func (t *Table) GetOrCreate(key string) Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.item(key)
}

// Merge folds one completed span of d into key.
func (t *Table) Merge(key string, d clock.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it := t.item(key)
	it.Calls++
	it.Total = it.Total.Add(d)
}

func (t *Table) item(key string) *Item {
	it, ok := t.items[key]
	if !ok {
		it = &Item{Key: key}
		t.items[key] = it
	}
	return it
}

func (t *Table) Lookup(key string) (Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	it, ok := t.items[key]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Snapshot copies all items. Order is unspecified.
func (t *Table) Snapshot() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Table) snapshot() []Item {
	out := make([]Item, 0, len(t.items))
	for _, it := range t.items {
		out = append(out, *it)
	}
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Reset clears the table and returns what it held.
func (t *Table) Reset() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.snapshot()
	t.items = make(map[string]*Item)
	return out
}

// Diff returns what each item in cur gained since prev. Items that did not
// change are left out. An item that shrank was reset by a wipe or restart,
// so all of it counts as new.
func Diff(prev, cur []Item) []Item {
	before := make(map[string]Item, len(prev))
	for _, it := range prev {
		before[it.Key] = it
	}

	out := make([]Item, 0, len(cur))
	for _, it := range cur {
		old, ok := before[it.Key]
		switch {
		case !ok, it.Calls < old.Calls, it.Total.Less(old.Total):
		default:
			it.Calls -= old.Calls
			it.Total = it.Total.Sub(old.Total)
		}
		if it.Calls == 0 && it.Total == (clock.Duration{}) {
			continue
		}
		out = append(out, it)
	}
	return out
}

type SortBy string

const (
	SortByTime  SortBy = "time"
	SortByCalls SortBy = "calls"
	SortByKey   SortBy = "key"
)

// Sort orders items in place, largest first. Ties fall back to the key so
// reports are deterministic.
func Sort(items []Item, by SortBy) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch by {
		case SortByCalls:
			if a.Calls != b.Calls {
				return a.Calls > b.Calls
			}
		case SortByTime:
			if a.Total != b.Total {
				return b.Total.Less(a.Total)
			}
		}
		return a.Key < b.Key
	})
}
