package shapestream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type CursorStoreFactory func(dsn string) (CursorStore, error)

var cursorFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CursorStoreFactory
}{
	factories: map[string]CursorStoreFactory{},
}

// RegisterCursorStoreFactory overrides or adds the store used for a DSN scheme.
func RegisterCursorStoreFactory(scheme string, factory CursorStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	cursorFactoryRegistry.mu.Lock()
	defer cursorFactoryRegistry.mu.Unlock()
	cursorFactoryRegistry.factories[scheme] = factory
}

func lookupCursorStoreFactory(scheme string) (CursorStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	cursorFactoryRegistry.mu.RLock()
	defer cursorFactoryRegistry.mu.RUnlock()
	factory, ok := cursorFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildCursorStoreFromDSN picks a cursor store by DSN scheme. An empty DSN
// selects the in-memory store; a bare path selects the file store.
func BuildCursorStoreFromDSN(dsn string) (CursorStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryCursorStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupCursorStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileCursorStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryCursorStore(), nil
	case "redis", "rediss":
		return NewRedisCursorStore(dsn)
	case "postgres", "postgresql":
		return NewPostgresCursorStore(dsn)
	case "sqlite":
		return nil, fmt.Errorf("%w: cursor store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported cursor store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", errors.New("cursor store dsn has no path")
	}
	return path, nil
}
