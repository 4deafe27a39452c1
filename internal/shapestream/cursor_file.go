package shapestream

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileCursorStore keeps every cursor in one JSON document. Writes go through a
// temp file and rename, under an advisory lock shared with other processes
// using the same file.
type FileCursorStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCursorStore(path string) (*FileCursorStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("cursor file path is required")
	}
	return &FileCursorStore{path: path}, nil
}

func (s *FileCursorStore) Load(_ context.Context, key string) (Cursor, bool, error) {
	if err := validateKey(key); err != nil {
		return Cursor{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var cursors map[string]Cursor
	err := s.withLock(func() error {
		var readErr error
		cursors, readErr = s.read()
		return readErr
	})
	if err != nil {
		return Cursor{}, false, err
	}
	c, ok := cursors[key]
	return c, ok, nil
}

func (s *FileCursorStore) Save(_ context.Context, key string, cursor Cursor) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withLock(func() error {
		cursors, err := s.read()
		if err != nil {
			return err
		}
		cursors[key] = cursorWith(cursor.HandleString(), cursor.Offset)
		data, err := json.MarshalIndent(cursors, "", "  ")
		if err != nil {
			return err
		}
		return writeFileAtomic(s.path, data, 0o644)
	})
}

func (s *FileCursorStore) Close() error { return nil }

func (s *FileCursorStore) read() (map[string]Cursor, error) {
	cursors := map[string]Cursor{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cursors, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return cursors, nil
	}
	if err := json.Unmarshal(data, &cursors); err != nil {
		return nil, err
	}
	return cursors, nil
}

func (s *FileCursorStore) withLock(fn func() error) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	lock, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := lockFile(lock); err != nil {
		return err
	}
	defer func() { _ = unlockFile(lock) }()
	return fn()
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cursors-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
