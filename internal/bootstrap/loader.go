package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/deskrelay/internal/deskapi"
	"github.com/agentworkforce/deskrelay/internal/entitystore"
	"github.com/agentworkforce/deskrelay/pkg/logger"
	"github.com/agentworkforce/deskrelay/pkg/metrics"
)

// API is the subset of the workspace REST client the loader reads from.
type API interface {
	GetWorkspace(ctx context.Context, workspaceID string) (deskapi.WorkspaceResponse, error)
	GetMe(ctx context.Context, workspaceID string) (deskapi.MemberResponse, error)
	GetThreadMetrics(ctx context.Context, workspaceID string) (deskapi.ThreadMetricsResponse, error)
	ListThreads(ctx context.Context, workspaceID string) ([]deskapi.ThreadResponse, error)
	ListLabels(ctx context.Context, workspaceID string) ([]deskapi.LabelResponse, error)
	ListMembers(ctx context.Context, workspaceID string) ([]deskapi.MemberResponse, error)
	ListPats(ctx context.Context) ([]deskapi.PatResponse, error)
}

type Loader struct {
	api API
	log *logger.Logger
}

func NewLoader(api API, log *logger.Logger) (*Loader, error) {
	if api == nil {
		return nil, fmt.Errorf("api client is required")
	}
	return &Loader{api: api, log: logger.OrNop(log).Named("bootstrap")}, nil
}

// Load issues every bootstrap read concurrently. The first failure cancels the
// remaining reads and the whole load fails; no partial snapshot is returned.
func (l *Loader) Load(ctx context.Context, workspaceID string) (entitystore.Snapshot, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return entitystore.Snapshot{}, fmt.Errorf("workspace id is required")
	}
	started := time.Now()

	var r Responses
	g, gctx := errgroup.WithContext(ctx)
	read := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				return fmt.Errorf("bootstrap %s: %w", name, err)
			}
			return nil
		})
	}
	read("workspace", func(ctx context.Context) (err error) {
		r.Workspace, err = l.api.GetWorkspace(ctx, workspaceID)
		return err
	})
	read("member", func(ctx context.Context) (err error) {
		r.Me, err = l.api.GetMe(ctx, workspaceID)
		return err
	})
	read("metrics", func(ctx context.Context) (err error) {
		r.Metrics, err = l.api.GetThreadMetrics(ctx, workspaceID)
		return err
	})
	read("threads", func(ctx context.Context) (err error) {
		r.Threads, err = l.api.ListThreads(ctx, workspaceID)
		return err
	})
	read("labels", func(ctx context.Context) (err error) {
		r.Labels, err = l.api.ListLabels(ctx, workspaceID)
		return err
	})
	read("members", func(ctx context.Context) (err error) {
		r.Members, err = l.api.ListMembers(ctx, workspaceID)
		return err
	})
	read("pats", func(ctx context.Context) (err error) {
		r.Pats, err = l.api.ListPats(ctx)
		return err
	})

	if err := g.Wait(); err != nil {
		metrics.RecordBootstrap("error", time.Since(started).Seconds())
		l.log.Warn("bootstrap failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		return entitystore.Snapshot{}, err
	}

	snap := Normalize(workspaceID, r)
	metrics.RecordBootstrap("ok", time.Since(started).Seconds())
	l.log.Info("bootstrap complete",
		zap.String("workspace_id", workspaceID),
		zap.Int("threads", len(snap.Threads)),
		zap.Int("customers", len(snap.Customers)),
		zap.Int("members", len(snap.Members)),
		zap.Int("labels", len(snap.Labels)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return snap, nil
}

// Into loads a snapshot and installs it into store. On failure store is left
// untouched.
func (l *Loader) Into(ctx context.Context, store *entitystore.Store, workspaceID string) error {
	snap, err := l.Load(ctx, workspaceID)
	if err != nil {
		return err
	}
	return store.Load(snap)
}
