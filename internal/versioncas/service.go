package versioncas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/pkg/logger"
	"github.com/agentworkforce/deskrelay/pkg/metrics"
)

type ServiceOptions struct {
	Logger *logger.Logger
	// NewVersion generates version identifiers. Defaults to random UUIDs.
	NewVersion func() string
	Tracer     trace.Tracer
}

// Service performs version-checked upserts. Calls for the same kind and id
// run one at a time; different keys proceed concurrently.
type Service struct {
	repo       Repository
	log        *logger.Logger
	newVersion func() string
	tracer     trace.Tracer
	locks      *keyedMutex
}

func NewService(repo Repository, opts ServiceOptions) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if opts.NewVersion == nil {
		opts.NewVersion = func() string { return uuid.NewString() }
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("deskrelay/versioncas")
	}
	return &Service{
		repo:       repo,
		log:        logger.OrNop(opts.Logger).Named("versioncas"),
		newVersion: opts.NewVersion,
		tracer:     opts.Tracer,
		locks:      newKeyedMutex(),
	}, nil
}

func (s *Service) UpsertWorkspace(ctx context.Context, row WorkspaceRow) (Result, error) {
	return s.Upsert(ctx, row, "")
}

func (s *Service) UpsertMember(ctx context.Context, row MemberRow) (Result, error) {
	return s.Upsert(ctx, row, "")
}

func (s *Service) UpsertCustomer(ctx context.Context, row CustomerRow) (Result, error) {
	return s.Upsert(ctx, row, "")
}

func (s *Service) UpsertThread(ctx context.Context, row ThreadRow) (Result, error) {
	return s.Upsert(ctx, row, "")
}

// Upsert reads the row's current version and writes rec conditionally on it.
// nextVersion, when set, is used as the new version instead of a generated
// one. A lost race returns a *ConflictError; the caller decides whether to
// re-read and retry.
func (s *Service) Upsert(ctx context.Context, rec Record, nextVersion string) (result Result, err error) {
	if rec == nil {
		return Result{}, invalid("row is required")
	}
	if err := rec.Validate(); err != nil {
		return Result{}, err
	}
	kind, id := rec.Kind(), rec.Key()

	ctx, span := s.tracer.Start(ctx, "versioncas.upsert", trace.WithAttributes(
		attribute.String("deskrelay.kind", string(kind)),
		attribute.String("deskrelay.id", id),
	))
	defer span.End()

	unlock := s.locks.lock(string(kind) + "/" + id)
	defer unlock()

	start := time.Now()
	path := "update"
	defer func() {
		outcome := "ok"
		switch {
		case err == nil:
		case isConflict(err):
			outcome = "conflict"
		case isCorruption(err):
			outcome = "corruption"
		case errors.Is(err, ErrForbidden):
			outcome = "forbidden"
		case errors.Is(err, ErrDuplicate):
			outcome = "duplicate"
		default:
			outcome = "error"
		}
		metrics.RecordUpsert(string(kind), path, outcome, time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
	}()

	stored, exists, err := s.repo.CurrentVersion(ctx, kind, id)
	if err != nil {
		return Result{}, fmt.Errorf("read version for %s %s: %w", kind, id, err)
	}
	if exists && stored.WorkspaceID != rec.Workspace() {
		s.log.Warn("cross-workspace write rejected",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.String("workspace_id", rec.Workspace()),
		)
		return Result{}, &ForbiddenError{Kind: kind, ID: id, WorkspaceID: rec.Workspace()}
	}
	current := stored.VersionID

	next := strings.TrimSpace(nextVersion)
	if next == "" {
		next = s.newVersion()
	}

	var affected int64
	if !exists {
		path = "insert"
		affected, err = s.repo.Insert(ctx, rec, next)
	} else {
		affected, err = s.repo.Update(ctx, rec, current, next)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s %s %s: %w", path, kind, id, err)
	}

	switch {
	case affected == 1:
	case affected == 0:
		s.log.Warn("version conflict",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.String("path", path),
			zap.String("expected_version", current),
		)
		return Result{}, &ConflictError{Kind: kind, ID: id, ExpectedVersion: current}
	default:
		s.log.Error("conditional write touched multiple rows",
			zap.String("kind", string(kind)),
			zap.String("id", id),
			zap.Int64("rows", affected),
		)
		return Result{}, &CorruptionError{Kind: kind, ID: id, RowsAffected: affected}
	}

	span.SetAttributes(attribute.String("deskrelay.version_id", next))
	s.log.Debug("upserted",
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.String("path", path),
		zap.String("version_id", next),
	)
	return Result{Kind: kind, ID: id, VersionID: next, Inserted: !exists}, nil
}

// Version returns the current version of one row in workspaceID. Rows of
// other workspaces read as not found.
func (s *Service) Version(ctx context.Context, kind Kind, id, workspaceID string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", invalid("id is required")
	}
	if strings.TrimSpace(workspaceID) == "" {
		return "", invalid("workspaceId is required")
	}
	stored, ok, err := s.repo.CurrentVersion(ctx, kind, id)
	if err != nil {
		return "", err
	}
	if !ok || stored.WorkspaceID != workspaceID {
		return "", fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return stored.VersionID, nil
}

func isConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

func isCorruption(err error) bool {
	return errors.Is(err, ErrDataCorruption)
}

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
