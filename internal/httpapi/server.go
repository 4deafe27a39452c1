package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentworkforce/deskrelay/internal/versioncas"
	"github.com/agentworkforce/deskrelay/pkg/logger"
)

// Upserter is the version-CAS service as seen by the HTTP surface.
type Upserter interface {
	Upsert(ctx context.Context, rec versioncas.Record, nextVersion string) (versioncas.Result, error)
	Version(ctx context.Context, kind versioncas.Kind, id, workspaceID string) (string, error)
}

type ServerConfig struct {
	JWTSecret       string
	Audience        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
	Logger          *logger.Logger
	Now             func() time.Time
}

type Server struct {
	svc    Upserter
	cfg    ServerConfig
	log    *logger.Logger
	router chi.Router
}

func NewServer(svc Upserter) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc Upserter, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.Audience == "" {
		cfg.Audience = "deskrelay"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"https://*", "http://*"}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		svc: svc,
		cfg: cfg,
		log: logger.OrNop(cfg.Logger).Named("httpapi"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) now() time.Time {
	return s.cfg.Now().UTC()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(s.logging)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Correlation-Id"},
		ExposedHeaders: []string{"X-Correlation-Id", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	limit := s.rateLimit()
	r.Route("/v1", func(r chi.Router) {
		r.With(s.requireScope("sync:write"), requireCorrelationID, limit).Post("/upsert/{kind}", s.handleUpsert)
		r.With(s.requireScope("sync:read"), requireCorrelationID, limit).Get("/versions/{kind}/{id}", s.handleVersion)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

// rateLimit limits per workspace and agent. A zero RateLimitMax disables it.
func (s *Server) rateLimit() func(http.Handler) http.Handler {
	if s.cfg.RateLimitMax == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	retryAfter := int(math.Ceil(s.cfg.RateLimitWindow.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return httprate.Limit(
		s.cfg.RateLimitMax,
		s.cfg.RateLimitWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims, ok := claimsFrom(r.Context()); ok {
				return claims.WorkspaceID + "|" + claims.AgentName, nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		}),
	)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	kind, err := versioncas.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	rec, next, err := versioncas.DecodeRequest(kind, body)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	claims, _ := claimsFrom(r.Context())
	if rec.Workspace() != claims.WorkspaceID {
		writeError(w, http.StatusForbidden, "forbidden", "workspace mismatch", correlationID)
		return
	}

	result, err := s.svc.Upsert(r.Context(), rec, next)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	kind, err := versioncas.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	id := chi.URLParam(r, "id")
	claims, _ := claimsFrom(r.Context())
	version, err := s.svc.Version(r.Context(), kind, id, claims.WorkspaceID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"kind":      string(kind),
		"id":        id,
		"versionId": version,
	})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *versioncas.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":            "version_conflict",
			"message":         err.Error(),
			"correlationId":   correlationID,
			"expectedVersion": conflict.ExpectedVersion,
		})
	case errors.Is(err, versioncas.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case errors.Is(err, versioncas.ErrDuplicate):
		writeError(w, http.StatusConflict, "duplicate", err.Error(), correlationID)
	case errors.Is(err, versioncas.ErrDataCorruption):
		s.log.Error("data corruption", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "data_corruption", err.Error(), correlationID)
	case errors.Is(err, versioncas.ErrInvalidInput), errors.Is(err, versioncas.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.Is(err, versioncas.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		s.log.Error("upsert failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func requireCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if getCorrelationID(r) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
