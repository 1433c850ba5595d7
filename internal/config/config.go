package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulsewatch/pulsewatch/pkg/types"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultHTTPPort             = 8080
	DefaultGRPCPort             = 50051
	DefaultTickInterval         = time.Minute
	DefaultStaleLockTimeout     = 5 * time.Minute
	DefaultBatchSize            = 10
	DefaultHistoryLimit         = 50
	DefaultMinRegressionHistory = 10
	DefaultProbeTimeout         = 30 * time.Second
	DefaultMaxProbeTimeout      = 60 * time.Second
	DefaultRetries              = 2
	DefaultRetryDelay           = time.Second
	DefaultMaxBodyBytes         = 1 << 20
	DefaultCheckRetention       = 30 * 24 * time.Hour
	DefaultEvictInterval        = 10 * time.Minute
	DefaultNarrativeTimeout     = 15 * time.Second
	DefaultNarrativeRate        = 20
)

// Config is the top-level pulsewatch configuration.
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Prober        ProberConfig        `yaml:"prober"`
	Storage       StorageConfig       `yaml:"storage"`
	Server        ServerConfig        `yaml:"server"`
	Narrative     NarrativeConfig     `yaml:"narrative"`
	Notifications NotificationsConfig `yaml:"notifications"`

	// Endpoints are seeded into the store at startup and on every reload.
	Endpoints []EndpointConfig `yaml:"endpoints"`

	// Dependencies are declared once at startup after endpoints are seeded.
	Dependencies []DependencyConfig `yaml:"dependencies"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// JSON selects the JSON handler; false selects the text handler.
	JSON bool `yaml:"json"`
}

// SchedulerConfig tunes the probe cycle.
type SchedulerConfig struct {
	TickInterval         time.Duration `yaml:"tick_interval"`
	StaleLockTimeout     time.Duration `yaml:"stale_lock_timeout"`
	BatchSize            int           `yaml:"batch_size"`
	HistoryLimit         int           `yaml:"history_limit"`
	MinRegressionHistory int           `yaml:"min_regression_history"`
}

// ProberConfig tunes HTTP probing.
type ProberConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	Retries        int           `yaml:"retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	UserAgent      string        `yaml:"user_agent"`

	// InsecureSkipVerify disables TLS certificate verification for probes.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Backend is one of: memory | sqlite.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file. Required when Backend is sqlite.
	Path string `yaml:"path"`

	// CheckRetention is how long checks are kept.
	CheckRetention time.Duration `yaml:"check_retention"`

	// EvictInterval is how often retention runs.
	EvictInterval time.Duration `yaml:"evict_interval"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// HTTPPort serves the REST API, /metrics and the notification WebSocket.
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves the gRPC health service. 0 disables it.
	GRPCPort int `yaml:"grpc_port"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls API-key authentication on both listeners.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable holding the expected key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header and gRPC metadata key. Defaults to x-api-key.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// NarrativeConfig points at an OpenAI-compatible chat completions endpoint.
// With no URL configured, narratives come from the built-in template.
type NarrativeConfig struct {
	URLEnv        string        `yaml:"url_env"`
	APIKeyEnv     string        `yaml:"api_key_env"`
	Model         string        `yaml:"model"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerMinute int           `yaml:"rate_per_minute"`
}

// URL returns the generator URL resolved from the environment.
func (n NarrativeConfig) URL() string {
	if n.URLEnv == "" {
		return ""
	}
	return os.Getenv(n.URLEnv)
}

// APIKey returns the generator API key resolved from the environment.
func (n NarrativeConfig) APIKey() string {
	if n.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(n.APIKeyEnv)
}

// NotificationsConfig lists delivery targets.
type NotificationsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Email    EmailConfig     `yaml:"email"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: slack | teams | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable holding the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// EmailConfig enables SMTP delivery of high-severity anomaly alerts.
type EmailConfig struct {
	SMTPAddr    string `yaml:"smtp_addr"`
	From        string `yaml:"from"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`

	// To is the default recipient. Recipients maps a user ID to its own address.
	To         string            `yaml:"to"`
	Recipients map[string]string `yaml:"recipients"`
}

// Enabled reports whether enough is configured to send mail.
func (e EmailConfig) Enabled() bool {
	return e.SMTPAddr != "" && e.From != ""
}

// Password returns the SMTP password resolved from the environment.
func (e EmailConfig) Password() string {
	if e.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(e.PasswordEnv)
}

// Recipient returns the address for userID, falling back to To.
func (e EmailConfig) Recipient(userID string) string {
	if addr, ok := e.Recipients[userID]; ok {
		return addr
	}
	return e.To
}

// EndpointConfig seeds one monitored endpoint.
type EndpointConfig struct {
	ID                 string            `yaml:"id"`
	UserID             string            `yaml:"user_id"`
	Name               string            `yaml:"name"`
	URL                string            `yaml:"url"`
	Method             string            `yaml:"method"`
	Headers            map[string]string `yaml:"headers"`
	Body               string            `yaml:"body"`
	CheckFrequency     types.Frequency   `yaml:"check_frequency"`
	Timeout            time.Duration     `yaml:"timeout"`
	ExpectedStatusCode int               `yaml:"expected_status_code"`

	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

// Apply copies the configured fields onto ep, leaving runtime state such as
// counters, timestamps and the baseline schema untouched.
func (e EndpointConfig) Apply(ep *types.Endpoint) {
	ep.ID = e.ID
	ep.UserID = e.UserID
	ep.Name = e.Name
	ep.URL = e.URL
	ep.Method = strings.ToUpper(e.Method)
	if ep.Method == "" {
		ep.Method = http.MethodGet
	}
	ep.Headers = e.Headers
	ep.Body = e.Body
	ep.CheckFrequency = e.CheckFrequency
	if ep.CheckFrequency == "" {
		ep.CheckFrequency = types.Every5Min
	}
	ep.Timeout = e.Timeout
	ep.ExpectedStatusCode = e.ExpectedStatusCode
	if ep.ExpectedStatusCode == 0 {
		ep.ExpectedStatusCode = http.StatusOK
	}
	ep.IsActive = e.Active == nil || *e.Active
}

// DependencyConfig seeds one declared dependency: Source depends on Target.
type DependencyConfig struct {
	Source       string             `yaml:"source"`
	Target       string             `yaml:"target"`
	Relationship types.Relationship `yaml:"relationship"`
	Required     bool               `yaml:"required"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", JSON: true},
		Scheduler: SchedulerConfig{
			TickInterval:         DefaultTickInterval,
			StaleLockTimeout:     DefaultStaleLockTimeout,
			BatchSize:            DefaultBatchSize,
			HistoryLimit:         DefaultHistoryLimit,
			MinRegressionHistory: DefaultMinRegressionHistory,
		},
		Prober: ProberConfig{
			DefaultTimeout: DefaultProbeTimeout,
			MaxTimeout:     DefaultMaxProbeTimeout,
			Retries:        DefaultRetries,
			RetryDelay:     DefaultRetryDelay,
			MaxBodyBytes:   DefaultMaxBodyBytes,
			UserAgent:      "pulsewatch/1.0",
		},
		Storage: StorageConfig{
			Backend:        "memory",
			CheckRetention: DefaultCheckRetention,
			EvictInterval:  DefaultEvictInterval,
		},
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			GRPCPort: DefaultGRPCPort,
		},
		Narrative: NarrativeConfig{
			Model:         "gpt-4o-mini",
			Timeout:       DefaultNarrativeTimeout,
			RatePerMinute: DefaultNarrativeRate,
		},
	}
}

// applyEnvOverrides lets deployment environments override a few settings
// without editing the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PULSEWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PULSEWATCH_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("PULSEWATCH_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	for name, dst := range map[string]*int{
		"PULSEWATCH_HTTP_PORT": &cfg.Server.HTTPPort,
		"PULSEWATCH_GRPC_PORT": &cfg.Server.GRPCPort,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q is not a port number", name, v)
		}
		*dst = n
	}
	return nil
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown: want debug|info|warn|error", cfg.Logging.Level)
	}

	s := cfg.Scheduler
	if s.TickInterval <= 0 || s.StaleLockTimeout <= 0 {
		return fmt.Errorf("scheduler.tick_interval and scheduler.stale_lock_timeout must be positive")
	}
	if s.BatchSize <= 0 || s.HistoryLimit <= 0 || s.MinRegressionHistory <= 0 {
		return fmt.Errorf("scheduler.batch_size, history_limit and min_regression_history must be positive")
	}

	p := cfg.Prober
	if p.DefaultTimeout <= 0 || p.MaxTimeout <= 0 {
		return fmt.Errorf("prober timeouts must be positive")
	}
	if p.DefaultTimeout > p.MaxTimeout {
		return fmt.Errorf("prober.default_timeout %v exceeds prober.max_timeout %v", p.DefaultTimeout, p.MaxTimeout)
	}
	if p.Retries < 0 || p.RetryDelay < 0 {
		return fmt.Errorf("prober.retries and prober.retry_delay must not be negative")
	}
	if p.MaxBodyBytes <= 0 {
		return fmt.Errorf("prober.max_body_bytes must be positive")
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend %q unknown: want memory|sqlite", cfg.Storage.Backend)
	}
	if cfg.Storage.CheckRetention <= 0 || cfg.Storage.EvictInterval <= 0 {
		return fmt.Errorf("storage.check_retention and storage.evict_interval must be positive")
	}

	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [0, 65535]", cfg.Server.GRPCPort)
	}
	switch cfg.Server.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", cfg.Server.Auth.Mode)
	}
	if cfg.Server.Auth.Mode == "apikey" && cfg.Server.Auth.KeyEnv == "" {
		return fmt.Errorf("server.auth.key_env is required when mode is apikey")
	}

	for i, w := range cfg.Notifications.Webhooks {
		switch w.Type {
		case "slack", "teams", "http":
		default:
			return fmt.Errorf("notifications.webhooks[%d]: unknown type %q", i, w.Type)
		}
	}

	seen := make(map[string]bool, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		if ep.ID == "" {
			return fmt.Errorf("endpoints[%d]: id is required", i)
		}
		if seen[ep.ID] {
			return fmt.Errorf("endpoints[%d]: duplicate id %q", i, ep.ID)
		}
		seen[ep.ID] = true
		if ep.URL == "" {
			return fmt.Errorf("endpoints[%d] %q: url is required", i, ep.ID)
		}
		if ep.CheckFrequency != "" && !ep.CheckFrequency.Valid() {
			return fmt.Errorf("endpoints[%d] %q: unknown check_frequency %q", i, ep.ID, ep.CheckFrequency)
		}
		switch strings.ToUpper(ep.Method) {
		case "", http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodHead:
		default:
			return fmt.Errorf("endpoints[%d] %q: unsupported method %q", i, ep.ID, ep.Method)
		}
		if ep.Timeout < 0 {
			return fmt.Errorf("endpoints[%d] %q: timeout must not be negative", i, ep.ID)
		}
	}

	for i, d := range cfg.Dependencies {
		if d.Source == "" || d.Target == "" {
			return fmt.Errorf("dependencies[%d]: source and target are required", i)
		}
		if d.Source == d.Target {
			return fmt.Errorf("dependencies[%d]: %q cannot depend on itself", i, d.Source)
		}
		if d.Relationship != "" && !d.Relationship.Valid() {
			return fmt.Errorf("dependencies[%d]: unknown relationship %q", i, d.Relationship)
		}
	}
	return nil
}
