// Package userlock provides per-user mutual exclusion.
// Operations touching two users acquire both locks in ascending id order,
// so two concurrent callers can never wait on each other in a cycle.
package userlock

import (
	"slices"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table holds one mutex per user id. Entries are created on demand and
// dropped once no goroutine holds or waits for them.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock acquires the locks of all given ids in ascending order and returns
// a function that releases them. Duplicate and empty ids are ignored.
func (t *Table) Lock(ids ...string) (unlock func()) {
	ordered := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			ordered = append(ordered, id)
		}
	}
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	held := make([]*entry, 0, len(ordered))
	for _, id := range ordered {
		e := t.acquire(id)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				t.release(ordered[i])
			}
		})
	}
}

// Len reports how many ids currently have a live entry.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) acquire(id string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	e.refs++
	return e
}

func (t *Table) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(t.entries, id)
	}
}
