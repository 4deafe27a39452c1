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

	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/internal/config"
	"github.com/agentworkforce/deskrelay/internal/httpapi"
	"github.com/agentworkforce/deskrelay/internal/natsrpc"
	"github.com/agentworkforce/deskrelay/internal/versioncas"
	"github.com/agentworkforce/deskrelay/pkg/logger"
	"github.com/agentworkforce/deskrelay/pkg/tracing"
)

type overrides struct {
	addr        string
	databaseDSN string
	natsURL     string
	logLevel    string
	noMigrate   bool
}

func main() {
	configPath := flag.String("config", envOrDefault("DESKRELAY_CONFIG", ""), "YAML config file")
	var o overrides
	flag.StringVar(&o.addr, "addr", "", "listen address (overrides config)")
	flag.StringVar(&o.databaseDSN, "database-dsn", "", "repository DSN: memory:// or postgres://... (overrides config)")
	flag.StringVar(&o.natsURL, "nats-url", "", "NATS URL; enables request-reply upserts (overrides config)")
	flag.StringVar(&o.logLevel, "log-level", "", "log level (overrides config)")
	flag.BoolVar(&o.noMigrate, "no-migrate", false, "skip schema migrations on start")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyOverrides(&cfg, o)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("deskrelay-syncd: %v", err)
	}
}

func applyOverrides(cfg *config.Server, o overrides) {
	if v := strings.TrimSpace(o.addr); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(o.databaseDSN); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := strings.TrimSpace(o.natsURL); v != "" {
		cfg.NATSURL = v
	}
	if v := strings.TrimSpace(o.logLevel); v != "" {
		cfg.LogLevel = v
	}
	if o.noMigrate {
		cfg.Migrate = false
	}
}

func run(ctx context.Context, cfg config.Server) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	zlog, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = zlog.Sync() }()

	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "deskrelay-syncd", cfg.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer func() {
			if err := tracing.Shutdown(context.Background(), tp); err != nil {
				zlog.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	repo, err := versioncas.OpenRepository(ctx, cfg.DatabaseDSN, cfg.Migrate)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	svc, err := versioncas.NewService(repo, versioncas.ServiceOptions{Logger: zlog})
	if err != nil {
		return err
	}

	if cfg.NATSURL != "" {
		nc, err := natsrpc.Connect(natsrpc.ConnectOptions{URL: cfg.NATSURL, Token: cfg.NATSToken, Name: "deskrelay-syncd"}, zlog)
		if err != nil {
			return err
		}
		rpc := natsrpc.NewServer(svc, zlog)
		if err := rpc.Start(nc); err != nil {
			nc.Close()
			return err
		}
		defer func() {
			if err := rpc.Stop(); err != nil {
				zlog.Warn("nats drain failed", zap.Error(err))
			}
			nc.Close()
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewServerWithConfig(svc, serverConfig(cfg, zlog)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		zlog.Info("deskrelay-syncd listening", zap.String("addr", cfg.Addr), zap.Bool("nats", cfg.NATSURL != ""))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	zlog.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func serverConfig(cfg config.Server, log *logger.Logger) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		Audience:        cfg.Audience,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
		Logger:          log,
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
