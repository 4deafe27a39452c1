package entitystore

import "sync"

// table is one collection: rows keyed by primary ID behind their own lock.
// Values are cloned on the way in and out.
type table[T any] struct {
	mu    sync.RWMutex
	rows  map[string]T
	clone func(T) T
}

func newTable[T any](clone func(T) T) *table[T] {
	return &table[T]{rows: map[string]T{}, clone: clone}
}

func (t *table[T]) get(id string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, false
	}
	return t.clone(v), true
}

func (t *table[T]) put(id string, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows[id] = t.clone(v)
}

// update runs fn on a copy of the row and stores the copy only if fn succeeds.
func (t *table[T]) update(id string, fn func(*T) error) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rows[id]
	if !ok {
		return false, nil
	}
	next := t.clone(v)
	if err := fn(&next); err != nil {
		return true, err
	}
	t.rows[id] = next
	return true, nil
}

// upsertWith updates an existing row or creates one from seed, then applies fn.
func (t *table[T]) upsertWith(id string, seed func() T, fn func(*T) error) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, exists := t.rows[id]
	var next T
	if exists {
		next = t.clone(v)
	} else {
		next = seed()
	}
	if err := fn(&next); err != nil {
		return false, err
	}
	t.rows[id] = next
	return !exists, nil
}

func (t *table[T]) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[id]; !ok {
		return false
	}
	delete(t.rows, id)
	return true
}

func (t *table[T]) replaceAll(rows map[string]T) {
	next := make(map[string]T, len(rows))
	for id, v := range rows {
		next[id] = t.clone(v)
	}
	t.mu.Lock()
	t.rows = next
	t.mu.Unlock()
}

func (t *table[T]) values() []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]T, 0, len(t.rows))
	for _, v := range t.rows {
		out = append(out, t.clone(v))
	}
	return out
}

func (t *table[T]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
