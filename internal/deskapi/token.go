package deskapi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/pkg/logger"
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

type StaticToken string

func (t StaticToken) Token() string { return strings.TrimSpace(string(t)) }

// FileTokenSource reads a bearer token from a file and reloads it whenever the
// file is written or replaced, so tokens can be rotated without a restart.
type FileTokenSource struct {
	path    string
	log     *logger.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	token string

	closeOnce sync.Once
	done      chan struct{}
}

func NewFileTokenSource(path string, log *logger.Logger) (*FileTokenSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("token file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	token, err := readTokenFile(abs)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("token file %s is empty", abs)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create token watcher: %w", err)
	}
	// Watch the directory: editors and secret mounts replace the file by rename.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch token dir: %w", err)
	}
	s := &FileTokenSource{
		path:    abs,
		log:     logger.OrNop(log).Named("token"),
		watcher: watcher,
		token:   token,
		done:    make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

func (s *FileTokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *FileTokenSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.watcher.Close()
		<-s.done
	})
	return err
}

func (s *FileTokenSource) watch() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("token watcher error", zap.Error(err))
		}
	}
}

func (s *FileTokenSource) reload() {
	token, err := readTokenFile(s.path)
	if err != nil || token == "" {
		// Keep the previous token while the file is mid-rewrite.
		return
	}
	s.mu.Lock()
	changed := token != s.token
	s.token = token
	s.mu.Unlock()
	if changed {
		s.log.Info("bearer token reloaded", zap.String("path", s.path))
	}
}

func readTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
