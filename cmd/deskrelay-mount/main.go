package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/internal/config"
	"github.com/agentworkforce/deskrelay/internal/deskapi"
	"github.com/agentworkforce/deskrelay/internal/mountfs"
	"github.com/agentworkforce/deskrelay/internal/session"
	"github.com/agentworkforce/deskrelay/internal/shapestream"
	"github.com/agentworkforce/deskrelay/pkg/logger"
	"github.com/agentworkforce/deskrelay/pkg/tracing"
)

type overrides struct {
	workspaceID string
	tokenFile   string
	transport   string
	cursorDSN   string
	mountDir    string
	metricsAddr string
	logLevel    string
}

func main() {
	configPath := flag.String("config", envOrDefault("DESKRELAY_CONFIG", ""), "YAML config file")
	var o overrides
	flag.StringVar(&o.workspaceID, "workspace", "", "workspace ID (overrides config)")
	flag.StringVar(&o.tokenFile, "token-file", "", "bearer token file, reloaded on change (overrides config)")
	flag.StringVar(&o.transport, "transport", "", "shape transport: http or ws (overrides config)")
	flag.StringVar(&o.cursorDSN, "cursor-dsn", "", "cursor store DSN: memory://, file://, redis://, postgres:// (overrides config)")
	flag.StringVar(&o.mountDir, "mount-dir", "", "mount a read-only view of the workspace here (overrides config)")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides config)")
	flag.StringVar(&o.logLevel, "log-level", "", "log level (overrides config)")
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("deskrelay-mount: %v", err)
	}
}

func applyOverrides(cfg *config.Client, o overrides) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.WorkspaceID, o.workspaceID)
	set(&cfg.TokenFile, o.tokenFile)
	set(&cfg.Transport, o.transport)
	set(&cfg.CursorDSN, o.cursorDSN)
	set(&cfg.MountDir, o.mountDir)
	set(&cfg.MetricsAddr, o.metricsAddr)
	set(&cfg.LogLevel, o.logLevel)
}

func run(ctx context.Context, cfg config.Client) error {
	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zlog.Sync() }()
	zlog = zlog.With(zap.String("workspace_id", cfg.WorkspaceID))

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "deskrelay-mount", cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
	}

	tokens, closeTokens, err := tokenSource(cfg, zlog)
	if err != nil {
		return err
	}
	defer closeTokens()

	streamOpts, err := streamOptions(cfg, zlog)
	if err != nil {
		return err
	}
	cursors, err := shapestream.BuildCursorStoreFromDSN(cfg.CursorDSN)
	if err != nil {
		return fmt.Errorf("cursor store: %w", err)
	}
	defer cursors.Close()

	api := deskapi.NewClient(cfg.APIBaseURL, tokens, deskapi.ClientOptions{
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
		Logger:    zlog,
	})
	sess, err := session.Open(ctx, session.Options{
		WorkspaceID: cfg.WorkspaceID,
		API:         api,
		Transports:  transportFactory(cfg, tokens),
		Cursors:     cursors,
		Stream:      streamOpts,
		Logger:      zlog,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			zlog.Warn("session closed with errors", zap.Error(err))
		}
	}()

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.MountDir != "" {
		mount, err := mountfs.Serve(cfg.MountDir, mountfs.NewView(sess.Store(), sess.Status), mountfs.MountOptions{Logger: zlog})
		if err != nil {
			return err
		}
		defer func() {
			if err := mount.Unmount(); err != nil {
				zlog.Warn("unmount failed", zap.Error(err))
			}
		}()
	}

	streamsDone := make(chan error, 1)
	go func() { streamsDone <- sess.Wait() }()
	select {
	case <-ctx.Done():
		zlog.Info("deskrelay-mount stopping", zap.Error(ctx.Err()))
		return nil
	case err := <-streamsDone:
		if err != nil {
			return fmt.Errorf("streams stopped: %w", err)
		}
		return nil
	}
}

// tokenSource prefers the token file so rotated tokens are picked up live.
func tokenSource(cfg config.Client, log *logger.Logger) (deskapi.TokenSource, func(), error) {
	if strings.TrimSpace(cfg.TokenFile) != "" {
		src, err := deskapi.NewFileTokenSource(cfg.TokenFile, log)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { _ = src.Close() }, nil
	}
	return deskapi.StaticToken(cfg.Token), func() {}, nil
}

func streamOptions(cfg config.Client, log *logger.Logger) (shapestream.Options, error) {
	mode, err := shapestream.ParseReconcileMode(cfg.Reconcile)
	if err != nil {
		return shapestream.Options{}, err
	}
	return shapestream.Options{
		Mode:        mode,
		MaxRetries:  cfg.MaxRetries,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		JitterRatio: cfg.JitterRatio,
		Logger:      log,
	}, nil
}

func transportFactory(cfg config.Client, tokens deskapi.TokenSource) session.TransportFactory {
	return func(string) shapestream.Transport {
		if cfg.Transport == "ws" {
			return shapestream.NewWebSocketTransport(cfg.ShapeURL, tokens, nil)
		}
		return shapestream.NewHTTPTransport(cfg.ShapeURL, tokens, &http.Client{Timeout: cfg.HTTPTimeout})
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
