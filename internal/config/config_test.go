package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "advflow" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if cfg.Workflow.ChainLimit != 25 {
		t.Errorf("Workflow.ChainLimit = %d, want 25", cfg.Workflow.ChainLimit)
	}
	if cfg.Workflow.Store.Driver != "postgres" {
		t.Errorf("Workflow.Store.Driver = %q, want postgres", cfg.Workflow.Store.Driver)
	}
	if len(cfg.Workflow.TemplateDirectories) != 1 {
		t.Errorf("Workflow.TemplateDirectories = %v, want 1 entry", cfg.Workflow.TemplateDirectories)
	}
	if cfg.Scheduler.Driver != "redis" || cfg.Scheduler.PollInterval != 2*time.Second {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	// Unset fields keep their defaults.
	if cfg.Scheduler.BatchSize != 50 {
		t.Errorf("Scheduler.BatchSize = %d, want default 50", cfg.Scheduler.BatchSize)
	}
	if cfg.Notifier.Driver != "queue" || cfg.Notifier.From != "review@example.com" {
		t.Errorf("Notifier = %+v", cfg.Notifier)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestLoad_unknown_store_driver(t *testing.T) {
	_, err := Load("testdata/bad_driver.yaml")
	if err == nil || !strings.Contains(err.Error(), "workflow.store.driver") {
		t.Fatalf("Load() error = %v, want store driver error", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Capability.Cache.TTL != 5*time.Minute {
		t.Errorf("default Capability.Cache.TTL = %v, want 5m", cfg.Capability.Cache.TTL)
	}
	if cfg.Capability.AdminCapability != "workflow:admin" {
		t.Errorf("default AdminCapability = %q", cfg.Capability.AdminCapability)
	}
	if cfg.Workflow.ChainLimit != 50 {
		t.Errorf("default ChainLimit = %d, want 50", cfg.Workflow.ChainLimit)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ADVFLOW_SERVER_PORT", "3000")
	t.Setenv("ADVFLOW_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("ADVFLOW_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("ADVFLOW_OBSERVABILITY_LOG_LEVEL", "error")
	t.Setenv("ADVFLOW_WORKFLOW_CHAIN_LIMIT", "7")
	t.Setenv("ADVFLOW_SCHEDULER_DRIVER", "memory")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Identity.Audience != "env-audience" {
		t.Errorf("Identity.Audience = %q, want env override", cfg.Identity.Audience)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
	if cfg.Workflow.ChainLimit != 7 {
		t.Errorf("ChainLimit = %d, want 7 (env override)", cfg.Workflow.ChainLimit)
	}
	if cfg.Scheduler.Driver != "memory" {
		t.Errorf("Scheduler.Driver = %q, want memory (env override)", cfg.Scheduler.Driver)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.Audience = "advflow"
	cfg.Server.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_chain_limit(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.Audience = "advflow"
	cfg.Workflow.ChainLimit = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with chain_limit 0 should return error")
	}
}

func TestIdentityConfig_HMACSecret(t *testing.T) {
	t.Setenv("TEST_ADVFLOW_SECRET", "s3cret")
	c := IdentityConfig{HMACSecretEnv: "TEST_ADVFLOW_SECRET"}
	if string(c.HMACSecret()) != "s3cret" {
		t.Errorf("HMACSecret = %q, want s3cret", c.HMACSecret())
	}
	if (IdentityConfig{}).HMACSecret() != nil {
		t.Error("HMACSecret without env name should be nil")
	}
}
