package shapestream

import (
	"context"
	"sync"
)

type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[string]Cursor
	saves   int
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: map[string]Cursor{}}
}

func (s *MemoryCursorStore) Load(_ context.Context, key string) (Cursor, bool, error) {
	if err := validateKey(key); err != nil {
		return Cursor{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[key]
	if !ok {
		return Cursor{}, false, nil
	}
	return cursorWith(c.HandleString(), c.Offset), true, nil
}

func (s *MemoryCursorStore) Save(_ context.Context, key string, cursor Cursor) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = cursorWith(cursor.HandleString(), cursor.Offset)
	s.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (s *MemoryCursorStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *MemoryCursorStore) Close() error { return nil }
