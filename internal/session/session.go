package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/internal/bootstrap"
	"github.com/agentworkforce/deskrelay/internal/entitystore"
	"github.com/agentworkforce/deskrelay/internal/shapestream"
	"github.com/agentworkforce/deskrelay/pkg/logger"
)

// DefaultTables are the synced collections, in start order.
var DefaultTables = []string{"member", "customer", "thread"}

type TransportFactory func(table string) shapestream.Transport

type Options struct {
	WorkspaceID string
	API         bootstrap.API
	Transports  TransportFactory
	Cursors     shapestream.CursorStore
	Tables      []string
	// Stream carries the retry and reconcile settings shared by every stream.
	// Table, WorkspaceID, Store, Transport and Cursors are filled in per table.
	Stream shapestream.Options
	Logger *logger.Logger
}

// Session owns one workspace's store and the streams that keep it live.
// Closing it stops every stream and disposes the store.
type Session struct {
	workspaceID string
	store       *entitystore.Store
	streams     []*shapestream.Stream
	log         *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	errs      []error
	closeOnce sync.Once
}

// Open bootstraps the workspace and starts one stream per table. Streams run
// until ctx is cancelled or Close is called. A failed bootstrap returns an
// error and starts nothing.
func Open(ctx context.Context, opts Options) (*Session, error) {
	opts.WorkspaceID = strings.TrimSpace(opts.WorkspaceID)
	if opts.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if opts.Transports == nil {
		return nil, fmt.Errorf("transport factory is required")
	}
	if len(opts.Tables) == 0 {
		opts.Tables = DefaultTables
	}
	if opts.Cursors == nil {
		opts.Cursors = shapestream.NewMemoryCursorStore()
	}
	log := logger.OrNop(opts.Logger).Named("session").With(zap.String("workspace_id", opts.WorkspaceID))

	loader, err := bootstrap.NewLoader(opts.API, opts.Logger)
	if err != nil {
		return nil, err
	}
	store := entitystore.New()
	if err := loader.Into(ctx, store, opts.WorkspaceID); err != nil {
		store.Dispose()
		return nil, err
	}

	streams := make([]*shapestream.Stream, 0, len(opts.Tables))
	for _, table := range opts.Tables {
		streamOpts := opts.Stream
		streamOpts.Table = table
		streamOpts.WorkspaceID = opts.WorkspaceID
		streamOpts.Store = store
		streamOpts.Transport = opts.Transports(table)
		streamOpts.Cursors = opts.Cursors
		if streamOpts.Logger == nil {
			streamOpts.Logger = opts.Logger
		}
		stream, err := shapestream.New(streamOpts)
		if err != nil {
			store.Dispose()
			return nil, fmt.Errorf("stream %s: %w", table, err)
		}
		streams = append(streams, stream)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		workspaceID: opts.WorkspaceID,
		store:       store,
		streams:     streams,
		log:         log,
		cancel:      cancel,
	}
	for _, stream := range streams {
		s.wg.Add(1)
		go s.run(runCtx, stream)
	}
	log.Info("session open", zap.Int("streams", len(streams)))
	return s, nil
}

func (s *Session) run(ctx context.Context, stream *shapestream.Stream) {
	defer s.wg.Done()
	err := stream.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.log.Error("stream stopped", zap.String("table", stream.Table()), zap.Error(err))
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *Session) WorkspaceID() string { return s.workspaceID }

func (s *Session) Store() *entitystore.Store { return s.store }

func (s *Session) Status() []shapestream.Status {
	out := make([]shapestream.Status, 0, len(s.streams))
	for _, stream := range s.streams {
		out = append(out, stream.Status())
	}
	return out
}

// Wait blocks until every stream has stopped and returns their failures.
func (s *Session) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// Close stops the streams, waits for them and disposes the store.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.Wait()
		s.store.Dispose()
		s.log.Info("session closed")
	})
	return err
}
