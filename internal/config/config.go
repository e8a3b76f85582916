// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Notifier      NotifierConfig      `yaml:"notifier"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification. Tokens are verified either
// with a shared HMAC secret (read from the environment variable named by
// HMACSecretEnv) or against a JWKS endpoint.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	HMACSecretEnv string            `yaml:"hmac_secret_env"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// HMACSecret returns the shared secret, or nil when not configured.
func (c IdentityConfig) HMACSecret() []byte {
	if c.HMACSecretEnv == "" {
		return nil
	}
	if v := os.Getenv(c.HMACSecretEnv); v != "" {
		return []byte(v)
	}
	return nil
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	AdminCapability  string      `yaml:"admin_capability"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	Store StoreConfig `yaml:"store"`

	// ChainLimit bounds the number of automatic advances in one call.
	ChainLimit int `yaml:"chain_limit"`

	// TemplateDirectories are scanned at startup for definition templates.
	TemplateDirectories []string `yaml:"template_directories"`

	// InheritDefinitions enables the parent-target fallback when a target
	// has no explicitly bound definition.
	InheritDefinitions bool `yaml:"inherit_definitions"`
}

// StoreConfig describes persistence settings shared by the definition and
// instance stores.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SchedulerConfig describes the delayed job scheduler.
type SchedulerConfig struct {
	Driver       string        `yaml:"driver"`
	AddrEnv      string        `yaml:"addr_env"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// NotifierConfig describes notification delivery.
type NotifierConfig struct {
	Driver         string `yaml:"driver"`
	From           string `yaml:"from"`
	OutboxCapacity int    `yaml:"outbox_capacity"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			HMACSecretEnv: "ADVFLOW_JWT_SECRET",
			JWKSCacheTTL:  1 * time.Hour,
			Algorithms:    []string{"HS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
				"groups":     "groups",
			},
		},
		Capability: CapabilityConfig{
			AdminCapability: "workflow:admin",
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Workflow: WorkflowConfig{
			ChainLimit:         50,
			InheritDefinitions: true,
			Store: StoreConfig{
				Driver:          "memory",
				DSNEnv:          "ADVFLOW_DATABASE_URL",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Scheduler: SchedulerConfig{
			Driver:       "memory",
			AddrEnv:      "ADVFLOW_REDIS_ADDR",
			KeyPrefix:    "advflow",
			PollInterval: 5 * time.Second,
			BatchSize:    50,
			MaxAttempts:  5,
			RetryDelay:   30 * time.Second,
		},
		Notifier: NotifierConfig{
			Driver:         "log",
			From:           "workflow@localhost",
			OutboxCapacity: 1000,
		},
		Idempotency: IdempotencyConfig{
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "ADVFLOW_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.HMACSecretEnv == "" && c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.hmac_secret_env or identity.jwks_url is required")
	}
	if c.Workflow.ChainLimit < 1 {
		errs = append(errs, "workflow.chain_limit must be positive")
	}
	switch c.Workflow.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("workflow.store.driver %q must be memory or postgres", c.Workflow.Store.Driver))
	}
	switch c.Scheduler.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("scheduler.driver %q must be memory or redis", c.Scheduler.Driver))
	}
	switch c.Notifier.Driver {
	case "log", "queue":
	default:
		errs = append(errs, fmt.Sprintf("notifier.driver %q must be log or queue", c.Notifier.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ADVFLOW_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ADVFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ADVFLOW_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("ADVFLOW_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("ADVFLOW_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("ADVFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("ADVFLOW_WORKFLOW_STORE_DRIVER"); v != "" {
		cfg.Workflow.Store.Driver = v
	}
	if v := os.Getenv("ADVFLOW_WORKFLOW_CHAIN_LIMIT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Workflow.ChainLimit = n
		}
	}
	if v := os.Getenv("ADVFLOW_SCHEDULER_DRIVER"); v != "" {
		cfg.Scheduler.Driver = v
	}
	if v := os.Getenv("ADVFLOW_NOTIFIER_DRIVER"); v != "" {
		cfg.Notifier.Driver = v
	}
}
