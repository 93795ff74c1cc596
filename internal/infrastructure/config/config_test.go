package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
auth:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}

	// Defaults survive a partial file.
	if cfg.Heartbeat.SweepInterval != 60 {
		t.Errorf("Heartbeat.SweepInterval = %d, want 60", cfg.Heartbeat.SweepInterval)
	}
	if cfg.Heartbeat.GraceMultiplier != 2 {
		t.Errorf("Heartbeat.GraceMultiplier = %v, want 2", cfg.Heartbeat.GraceMultiplier)
	}
	if cfg.Heartbeat.DefaultInterval != 60 {
		t.Errorf("Heartbeat.DefaultInterval = %d, want 60", cfg.Heartbeat.DefaultInterval)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
database:
  path: ""
api:
  port: 8080
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty database.path, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	// validJWTSecret is a secret that meets the 32-character minimum requirement
	validJWTSecret := "test-secret-key-at-least-32-chars!"

	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Auth.JWT.Secret = validJWTSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid api port",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: "api.port",
		},
		{
			name:    "zero sweep interval",
			mutate:  func(c *Config) { c.Heartbeat.SweepInterval = 0 },
			wantErr: "heartbeat.sweep_interval",
		},
		{
			name:    "grace multiplier below one",
			mutate:  func(c *Config) { c.Heartbeat.GraceMultiplier = 0.5 },
			wantErr: "heartbeat.grace_multiplier",
		},
		{
			name:    "zero default interval",
			mutate:  func(c *Config) { c.Heartbeat.DefaultInterval = 0 },
			wantErr: "heartbeat.default_interval",
		},
		{
			name:    "missing jwt secret",
			mutate:  func(c *Config) { c.Auth.JWT.Secret = "" },
			wantErr: "auth.jwt.secret",
		},
		{
			name:    "short jwt secret",
			mutate:  func(c *Config) { c.Auth.JWT.Secret = "too-short" },
			wantErr: "32 characters",
		},
		{
			name:    "empty admin username",
			mutate:  func(c *Config) { c.Auth.Admin.Username = "" },
			wantErr: "auth.admin.username",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("IOTV_DATABASE_PATH", "/env/iotv.db")
	t.Setenv("IOTV_MQTT_HOST", "broker.example.com")
	t.Setenv("IOTV_JWT_SECRET", "env-secret-key-at-least-32-chars!!")
	t.Setenv("IOTV_ADMIN_PASSWORD", "env-password")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/env/iotv.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.MQTT.Broker.Host != "broker.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want env override", cfg.MQTT.Broker.Host)
	}
	if cfg.Auth.JWT.Secret != "env-secret-key-at-least-32-chars!!" {
		t.Errorf("Auth.JWT.Secret not overridden")
	}
	if cfg.Auth.Admin.Password != "env-password" {
		t.Errorf("Auth.Admin.Password not overridden")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaultConfig()

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %vs, want 30s", got)
	}
	if got := cfg.GetSweepInterval().Seconds(); got != 60 {
		t.Errorf("GetSweepInterval() = %vs, want 60s", got)
	}
}
