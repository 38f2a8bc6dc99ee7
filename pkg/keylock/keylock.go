// Package keylock provides an in-process table of exclusive locks keyed by
// string. Entries exist only while held or awaited.
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Release unlocks a held key. Calling it more than once is a no-op.
type Release func()

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Table hands out per-key exclusive locks.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// TryLock acquires key without waiting. ok is false when another holder has it.
func (t *Table) TryLock(key string) (Release, bool) {
	e := t.acquireRef(key)
	if !e.sem.TryAcquire(1) {
		t.dropRef(key, e)
		return nil, false
	}
	return t.releaser(key, e), true
}

// Lock waits for key until ctx is done. The returned error is ctx.Err().
func (t *Table) Lock(ctx context.Context, key string) (Release, error) {
	e := t.acquireRef(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		t.dropRef(key, e)
		return nil, err
	}
	return t.releaser(key, e), nil
}

// Len reports the number of keys currently held or awaited.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) acquireRef(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) dropRef(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

func (t *Table) releaser(key string, e *entry) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			t.dropRef(key, e)
		})
	}
}

// Key builds a lock key such as "unit:<id>".
func Key(kind, id string) string {
	return kind + ":" + id
}
