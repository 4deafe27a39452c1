package shapestream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/internal/deskapi"
	"github.com/agentworkforce/deskrelay/internal/entitystore"
	"github.com/agentworkforce/deskrelay/pkg/logger"
	"github.com/agentworkforce/deskrelay/pkg/metrics"
)

// ErrRetriesExhausted ends Run after MaxRetries consecutive failed fetches.
var ErrRetriesExhausted = errors.New("shape stream retries exhausted")

type State int

const (
	StateIdle State = iota
	StateStreaming
	StateUpToDate
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateUpToDate:
		return "up_to_date"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ReconcileMode decides what inserts and deletes do to the store.
type ReconcileMode int

const (
	// UpdatesOnly patches rows that already exist. Inserts of unknown rows
	// and deletes are skipped.
	UpdatesOnly ReconcileMode = iota
	// ReconcileAll materialises inserts as rows and applies deletes.
	ReconcileAll
)

func ParseReconcileMode(raw string) (ReconcileMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "updates", "updates-only", "updates_only":
		return UpdatesOnly, nil
	case "all", "full":
		return ReconcileAll, nil
	default:
		return UpdatesOnly, fmt.Errorf("unknown reconcile mode %q", raw)
	}
}

func (m ReconcileMode) String() string {
	if m == ReconcileAll {
		return "all"
	}
	return "updates-only"
}

type Options struct {
	Table       string
	WorkspaceID string
	Store       *entitystore.Store
	Transport   Transport
	Cursors     CursorStore
	Mode        ReconcileMode
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterRatio float64
	Logger      *logger.Logger
	// Sample returns a value in [0,1) used to jitter reconnect delays.
	Sample func() float64
}

type Status struct {
	Table    string
	State    State
	Dirty    bool
	Cursor   Cursor
	Failures int
	Applied  uint64
	Skipped  uint64
}

// Stream applies one table's shape log to the store. Messages are applied in
// delivery order and the resume cursor is persisted only at up-to-date
// checkpoints, so a restart replays at most one dirty window.
type Stream struct {
	opts       Options
	collection entitystore.Collection
	key        string
	pkColumn   string
	log        *logger.Logger

	mu         sync.Mutex
	state      State
	dirty      bool
	persisted  Cursor
	handle     string
	offset     string
	liveCursor string
	live       bool
	failures   int
	applied    uint64
	skipped    uint64
}

func New(opts Options) (*Stream, error) {
	opts.Table = strings.TrimSpace(opts.Table)
	opts.WorkspaceID = strings.TrimSpace(opts.WorkspaceID)
	if opts.Table == "" {
		return nil, fmt.Errorf("table is required")
	}
	collection, err := entitystore.ParseCollection(opts.Table)
	if err != nil {
		return nil, err
	}
	if opts.WorkspaceID == "" {
		return nil, fmt.Errorf("workspace id is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.Cursors == nil {
		opts.Cursors = NewMemoryCursorStore()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.JitterRatio == 0 {
		opts.JitterRatio = DefaultJitterRatio
	}
	opts.JitterRatio = clampJitterRatio(opts.JitterRatio)
	if opts.Sample == nil {
		opts.Sample = rand.Float64
	}
	s := &Stream{
		opts:       opts,
		collection: collection,
		key:        CursorKey(opts.WorkspaceID, opts.Table),
		pkColumn:   opts.Table + "_id",
		log: logger.OrNop(opts.Logger).Named("shapestream").With(
			zap.String("table", opts.Table),
			zap.String("workspace_id", opts.WorkspaceID),
		),
		persisted: InitialCursor(),
		offset:    InitialOffset,
	}
	return s, nil
}

func (s *Stream) Table() string { return s.opts.Table }

func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Table:    s.opts.Table,
		State:    s.state,
		Dirty:    s.dirty,
		Cursor:   cursorWith(s.persisted.HandleString(), s.persisted.Offset),
		Failures: s.failures,
		Applied:  s.applied,
		Skipped:  s.skipped,
	}
}

// Run streams until ctx is cancelled, the store is disposed, or reconnects
// are exhausted. It starts from the persisted cursor when one exists.
func (s *Stream) Run(ctx context.Context) error {
	if err := s.resume(ctx); err != nil {
		return err
	}
	defer s.opts.Transport.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.opts.Transport.Fetch(ctx, s.request())
		if err == nil {
			s.resetFailures()
			err = s.process(ctx, batch)
		}
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, entitystore.ErrDisposed) {
			return err
		}
		if isMustRefetch(err) {
			resyncErr := s.resync(ctx)
			if resyncErr == nil {
				continue
			}
			err = resyncErr
		}
		if failErr := s.fail(ctx, err); failErr != nil {
			return failErr
		}
	}
}

func (s *Stream) resume(ctx context.Context) error {
	cursor, ok, err := s.opts.Cursors.Load(ctx, s.key)
	if err != nil {
		return fmt.Errorf("load cursor %s: %w", s.key, err)
	}
	if !ok {
		cursor = InitialCursor()
	}
	s.mu.Lock()
	s.persisted = cursor
	s.rewindLocked()
	s.state = StateIdle
	if !cursor.IsInitial() {
		s.state = StateStreaming
	}
	s.mu.Unlock()
	s.publishState()
	s.log.Info("shape stream starting", zap.String("cursor", cursor.String()), zap.String("mode", s.opts.Mode.String()))
	return nil
}

func (s *Stream) request() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Request{
		Table:       s.opts.Table,
		WorkspaceID: s.opts.WorkspaceID,
		Handle:      s.handle,
		Offset:      s.offset,
		Live:        s.live,
		LiveCursor:  s.liveCursor,
	}
}

func (s *Stream) process(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	s.handle, s.offset, s.liveCursor = batch.Handle, batch.Offset, batch.LiveCursor
	if s.offset == "" {
		s.offset = InitialOffset
	}
	s.mu.Unlock()

	// The cursor covers the whole batch, so it is persisted only once every
	// change in the batch has been applied.
	upToDate := false
	for _, msg := range batch.Messages {
		if msg.IsControl() {
			switch msg.Headers.Control {
			case ControlUpToDate:
				upToDate = true
			case ControlMustRefetch:
				return ErrMustRefetch
			default:
				s.log.Debug("ignoring control message", zap.String("control", string(msg.Headers.Control)))
			}
			continue
		}
		s.markDirty()
		if err := s.apply(msg); err != nil {
			return err
		}
	}
	if upToDate {
		if err := s.checkpoint(ctx, batch); err != nil {
			return err
		}
	}
	if batch.UpToDate {
		s.mu.Lock()
		s.live = true
		s.mu.Unlock()
	}
	return nil
}

func (s *Stream) markDirty() {
	s.mu.Lock()
	changed := s.state != StateStreaming
	s.dirty = true
	s.state = StateStreaming
	s.mu.Unlock()
	if changed {
		s.publishState()
	}
}

func (s *Stream) apply(msg Message) error {
	op := msg.Headers.Operation
	metrics.ShapeMessagesTotal.WithLabelValues(s.opts.Table, string(op)).Inc()

	id := s.rowID(msg)
	if id == "" {
		s.skip(op, "", "missing_key")
		return nil
	}
	store := s.opts.Store
	switch op {
	case OpUpdate:
		ok, err := store.ApplyPartialUpdate(s.collection, id, msg.Patch())
		if err != nil {
			return s.applyError(op, id, err)
		}
		if !ok {
			s.skip(op, id, "unknown_row")
			return nil
		}
	case OpInsert:
		if s.opts.Mode == ReconcileAll {
			if _, err := store.UpsertFromPatch(s.collection, id, msg.Patch()); err != nil {
				return s.applyError(op, id, err)
			}
			break
		}
		ok, err := store.ApplyPartialUpdate(s.collection, id, msg.Patch())
		if err != nil {
			return s.applyError(op, id, err)
		}
		if !ok {
			s.skip(op, id, "unknown_insert")
			return nil
		}
	case OpDelete:
		if s.opts.Mode != ReconcileAll {
			s.skip(op, id, "delete_ignored")
			return nil
		}
		store.Delete(s.collection, id)
	default:
		s.skip(op, id, "unknown_operation")
		return nil
	}
	s.mu.Lock()
	s.applied++
	s.mu.Unlock()
	return nil
}

// applyError keeps a malformed row from stalling the stream. Only a disposed
// store stops it.
func (s *Stream) applyError(op Operation, id string, err error) error {
	if errors.Is(err, entitystore.ErrDisposed) {
		return err
	}
	s.log.Warn("shape change rejected", zap.String("operation", string(op)), zap.String("id", id), zap.Error(err))
	s.skip(op, id, "invalid_patch")
	return nil
}

func (s *Stream) skip(op Operation, id, reason string) {
	metrics.ShapeSkippedTotal.WithLabelValues(s.opts.Table, reason).Inc()
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
	s.log.Debug("shape change skipped",
		zap.String("operation", string(op)), zap.String("id", id), zap.String("reason", reason))
}

func (s *Stream) rowID(msg Message) string {
	if v, ok := msg.Value[s.pkColumn]; ok && v != nil {
		if id, ok := v.(string); ok {
			return strings.TrimSpace(id)
		}
		return fmt.Sprint(v)
	}
	return keyID(msg.Key)
}

// keyID extracts the primary key from a shape key such as
// `"public"."thread"/"t1"`.
func keyID(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return strings.Trim(key[idx+1:], `"`)
}

func (s *Stream) checkpoint(ctx context.Context, batch Batch) error {
	cursor := cursorWith(batch.Handle, batch.Offset)
	if err := s.opts.Cursors.Save(ctx, s.key, cursor); err != nil {
		return fmt.Errorf("persist cursor %s: %w", s.key, err)
	}
	s.mu.Lock()
	s.persisted = cursor
	s.dirty = false
	s.live = true
	s.state = StateUpToDate
	s.mu.Unlock()
	metrics.ShapeCheckpointsTotal.WithLabelValues(s.opts.Table).Inc()
	s.publishState()
	s.log.Debug("shape checkpoint", zap.String("cursor", cursor.String()))
	return nil
}

// resync drops the stream position and starts over from the beginning of the
// shape. The Idle cursor is persisted so a restart does not reuse the expired
// handle.
func (s *Stream) resync(ctx context.Context) error {
	metrics.ShapeResyncsTotal.WithLabelValues(s.opts.Table).Inc()
	s.log.Warn("shape handle expired, resyncing from scratch")
	initial := InitialCursor()
	if err := s.opts.Cursors.Save(ctx, s.key, initial); err != nil {
		return fmt.Errorf("persist cursor %s: %w", s.key, err)
	}
	s.mu.Lock()
	s.persisted = initial
	s.rewindLocked()
	s.dirty = false
	s.state = StateIdle
	s.mu.Unlock()
	s.publishState()
	return nil
}

// fail records a failed fetch, waits out the backoff and rewinds to the
// persisted cursor. It returns an error once retries are exhausted.
func (s *Stream) fail(ctx context.Context, cause error) error {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.state = StateDisconnected
	s.rewindLocked()
	s.mu.Unlock()
	s.publishState()

	if failures > s.opts.MaxRetries {
		s.log.Error("shape stream giving up", zap.Int("failures", failures), zap.Error(cause))
		return fmt.Errorf("%w: %s after %d attempts: %v", ErrRetriesExhausted, s.opts.Table, failures, cause)
	}
	delay := reconnectDelay(failures, s.opts.BaseDelay, s.opts.MaxDelay, s.opts.JitterRatio, s.opts.Sample())
	level := s.log.Warn
	if errors.Is(cause, deskapi.ErrTransport) {
		level = s.log.Info
	}
	level("shape fetch failed, reconnecting",
		zap.Int("attempt", failures), zap.Duration("delay", delay), zap.Error(cause))
	metrics.ShapeReconnectsTotal.WithLabelValues(s.opts.Table).Inc()
	return deskapi.Wait(ctx, delay)
}

func (s *Stream) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// rewindLocked moves the read position back to the persisted cursor.
func (s *Stream) rewindLocked() {
	s.handle = s.persisted.HandleString()
	s.offset = s.persisted.Offset
	if s.offset == "" {
		s.offset = InitialOffset
	}
	s.liveCursor = ""
	s.live = false
}

func (s *Stream) publishState() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	metrics.ShapeStreamState.WithLabelValues(s.opts.Table).Set(float64(state))
}
