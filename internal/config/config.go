// Package config loads settings for the deskrelay binaries. Values come from
// built-in defaults, then an optional YAML file, then DESKRELAY_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Client configures deskrelay-mount.
type Client struct {
	WorkspaceID string `yaml:"workspace_id"`
	APIBaseURL  string `yaml:"api_base_url"`
	ShapeURL    string `yaml:"shape_url"`
	Token       string `yaml:"token"`
	TokenFile   string `yaml:"token_file"`

	// Transport is "http" (long-poll) or "ws".
	Transport   string        `yaml:"transport"`
	CursorDSN   string        `yaml:"cursor_dsn"`
	Reconcile   string        `yaml:"reconcile"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	JitterRatio float64       `yaml:"jitter_ratio"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	MetricsAddr  string `yaml:"metrics_addr"`
	MountDir     string `yaml:"mount_dir"`
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Server configures deskrelay-syncd.
type Server struct {
	Addr        string `yaml:"addr"`
	DatabaseDSN string `yaml:"database_dsn"`
	Migrate     bool   `yaml:"migrate"`

	JWTSecret       string        `yaml:"jwt_secret"`
	Audience        string        `yaml:"audience"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	NATSURL   string `yaml:"nats_url"`
	NATSToken string `yaml:"nats_token"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
}

func DefaultClient() Client {
	return Client{
		APIBaseURL:  "http://127.0.0.1:8000/api/v1",
		ShapeURL:    "http://127.0.0.1:3000",
		Transport:   "http",
		CursorDSN:   "memory://",
		Reconcile:   "updates-only",
		MaxRetries:  10,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		JitterRatio: 0.2,
		HTTPTimeout: 60 * time.Second,
		LogLevel:    "info",
	}
}

// DevJWTSecret is the default signing secret. It is only accepted with the
// in-memory repository.
const DevJWTSecret = "dev-secret"

func DefaultServer() Server {
	return Server{
		Addr:            ":8080",
		DatabaseDSN:     "memory://",
		Migrate:         true,
		JWTSecret:       DevJWTSecret,
		Audience:        "deskrelay",
		RateLimitMax:    600,
		RateLimitWindow: time.Minute,
		MaxBodyBytes:    1 << 20,
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",
	}
}

// LoadClient returns the client settings. An empty path skips the file.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := readFile(path, &cfg); err != nil {
		return cfg, err
	}
	env := envReader{}
	env.str("DESKRELAY_WORKSPACE", &cfg.WorkspaceID)
	env.str("DESKRELAY_API_BASE_URL", &cfg.APIBaseURL)
	env.str("DESKRELAY_SHAPE_URL", &cfg.ShapeURL)
	env.str("DESKRELAY_TOKEN", &cfg.Token)
	env.str("DESKRELAY_TOKEN_FILE", &cfg.TokenFile)
	env.str("DESKRELAY_TRANSPORT", &cfg.Transport)
	env.str("DESKRELAY_CURSOR_DSN", &cfg.CursorDSN)
	env.str("DESKRELAY_RECONCILE", &cfg.Reconcile)
	env.integer("DESKRELAY_MAX_RETRIES", &cfg.MaxRetries)
	env.duration("DESKRELAY_BASE_DELAY", &cfg.BaseDelay)
	env.duration("DESKRELAY_MAX_DELAY", &cfg.MaxDelay)
	env.float("DESKRELAY_JITTER_RATIO", &cfg.JitterRatio)
	env.duration("DESKRELAY_HTTP_TIMEOUT", &cfg.HTTPTimeout)
	env.str("DESKRELAY_METRICS_ADDR", &cfg.MetricsAddr)
	env.str("DESKRELAY_MOUNT_DIR", &cfg.MountDir)
	env.str("DESKRELAY_LOG_LEVEL", &cfg.LogLevel)
	env.str("DESKRELAY_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	if err := env.err(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadServer returns the server settings. An empty path skips the file.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := readFile(path, &cfg); err != nil {
		return cfg, err
	}
	env := envReader{}
	env.str("DESKRELAY_ADDR", &cfg.Addr)
	env.str("DESKRELAY_DATABASE_DSN", &cfg.DatabaseDSN)
	env.boolean("DESKRELAY_MIGRATE", &cfg.Migrate)
	env.str("DESKRELAY_JWT_SECRET", &cfg.JWTSecret)
	env.str("DESKRELAY_JWT_AUDIENCE", &cfg.Audience)
	env.integer("DESKRELAY_RATE_LIMIT_MAX", &cfg.RateLimitMax)
	env.duration("DESKRELAY_RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)
	env.integer64("DESKRELAY_MAX_BODY_BYTES", &cfg.MaxBodyBytes)
	env.list("DESKRELAY_ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	env.str("DESKRELAY_NATS_URL", &cfg.NATSURL)
	env.str("DESKRELAY_NATS_TOKEN", &cfg.NATSToken)
	env.duration("DESKRELAY_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	env.str("DESKRELAY_LOG_LEVEL", &cfg.LogLevel)
	env.str("DESKRELAY_OTLP_ENDPOINT", &cfg.OTLPEndpoint)
	if err := env.err(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readFile(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// envReader overrides fields from set, non-blank variables and collects
// parse failures.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(name))
	return value, value != ""
}

func (e *envReader) invalid(name, raw string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s=%q: %w", name, raw, err))
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.invalid(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) integer64(name string, dst *int64) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.invalid(name, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(name string, dst *float64) {
	if v, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.invalid(name, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.invalid(name, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.invalid(name, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func (c Client) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WorkspaceID) == "" {
		errs = append(errs, errors.New("workspace id is required"))
	}
	if strings.TrimSpace(c.Token) == "" && strings.TrimSpace(c.TokenFile) == "" {
		errs = append(errs, errors.New("token or token file is required"))
	}
	if strings.TrimSpace(c.APIBaseURL) == "" || strings.TrimSpace(c.ShapeURL) == "" {
		errs = append(errs, errors.New("api base url and shape url are required"))
	}
	switch c.Transport {
	case "http", "ws":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.JitterRatio < 0 || c.JitterRatio > 1 {
		errs = append(errs, fmt.Errorf("jitter ratio %v outside [0,1]", c.JitterRatio))
	}
	return errors.Join(errs...)
}

func (s Server) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Addr) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	switch secret := strings.TrimSpace(s.JWTSecret); {
	case secret == "":
		errs = append(errs, errors.New("jwt secret is required"))
	case secret == DevJWTSecret && !s.InMemory():
		errs = append(errs, errors.New("jwt secret must be set (DESKRELAY_JWT_SECRET) when a database is configured"))
	}
	if s.RateLimitMax < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	return errors.Join(errs...)
}

// InMemory reports whether the server keeps rows in process only.
func (s Server) InMemory() bool {
	dsn := strings.TrimSpace(s.DatabaseDSN)
	return dsn == "" || strings.HasPrefix(strings.ToLower(dsn), "memory://")
}
