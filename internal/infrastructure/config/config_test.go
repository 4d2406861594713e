package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: "test-site"
  timezone: "Europe/London"
  location:
    latitude: 51.5
    longitude: -0.12
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
automation:
  tick_interval: 10s
  workers: 2
  command_timeout: 5s
  retry:
    max_attempts: 4
    initial_delay: 500ms
    max_delay: 4s
    multiplier: 2
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Automation.TickInterval != 10*time.Second {
		t.Errorf("Automation.TickInterval = %v, want 10s", cfg.Automation.TickInterval)
	}
	if cfg.Automation.Workers != 2 {
		t.Errorf("Automation.Workers = %d, want 2", cfg.Automation.Workers)
	}
	if cfg.Automation.Retry.InitialDelay != 500*time.Millisecond {
		t.Errorf("Automation.Retry.InitialDelay = %v, want 500ms", cfg.Automation.Retry.InitialDelay)
	}
	// Untouched fields keep their defaults.
	if cfg.Automation.QueueSize != 256 {
		t.Errorf("Automation.QueueSize = %d, want default 256", cfg.Automation.QueueSize)
	}
	if cfg.Location().String() != "Europe/London" {
		t.Errorf("Location() = %v, want Europe/London", cfg.Location())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	configPath := writeConfig(t, `
site:
  id: ""
automation:
  tick_interval: 2m
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	// Both problems are reported together.
	if !strings.Contains(err.Error(), "site.id") || !strings.Contains(err.Error(), "tick_interval") {
		t.Errorf("error = %v, want both site.id and tick_interval reported", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config { return defaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}, wantErr: false},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: true},
		{name: "unknown timezone", mutate: func(c *Config) { c.Site.Timezone = "Mars/Olympus" }, wantErr: true},
		{name: "latitude out of range", mutate: func(c *Config) { c.Site.Location.Latitude = 91 }, wantErr: true},
		{name: "longitude out of range", mutate: func(c *Config) { c.Site.Location.Longitude = -181 }, wantErr: true},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: true},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: true},
		{name: "invalid port", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{name: "port ignored when API disabled", mutate: func(c *Config) { c.API.Enabled = false; c.API.Port = 0 }, wantErr: false},
		{name: "influx enabled without url", mutate: func(c *Config) { c.InfluxDB.Enabled = true }, wantErr: true},
		{name: "tick too fast", mutate: func(c *Config) { c.Automation.TickInterval = 100 * time.Millisecond }, wantErr: true},
		{name: "zero workers", mutate: func(c *Config) { c.Automation.Workers = 0 }, wantErr: true},
		{name: "zero queue", mutate: func(c *Config) { c.Automation.QueueSize = 0 }, wantErr: true},
		{name: "zero command timeout", mutate: func(c *Config) { c.Automation.CommandTimeout = 0 }, wantErr: true},
		{name: "zero retry attempts", mutate: func(c *Config) { c.Automation.Retry.MaxAttempts = 0 }, wantErr: true},
		{name: "max delay below initial", mutate: func(c *Config) { c.Automation.Retry.MaxDelay = time.Millisecond }, wantErr: true},
		{name: "multiplier below one", mutate: func(c *Config) { c.Automation.Retry.Multiplier = 0.5 }, wantErr: true},
		{name: "solar window below tick", mutate: func(c *Config) { c.Automation.SolarWindow = time.Second }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestConfig_LocationFallback(t *testing.T) {
	cfg := &Config{}
	if cfg.Location() != time.UTC {
		t.Errorf("Location() = %v, want UTC for empty timezone", cfg.Location())
	}
	cfg.Site.Timezone = "Not/AZone"
	if cfg.Location() != time.UTC {
		t.Errorf("Location() = %v, want UTC for invalid timezone", cfg.Location())
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GRAYLOGIC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GRAYLOGIC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GRAYLOGIC_MQTT_USERNAME", "testuser")
	t.Setenv("GRAYLOGIC_MQTT_PASSWORD", "testpass")
	t.Setenv("GRAYLOGIC_API_HOST", "192.168.1.1")
	t.Setenv("GRAYLOGIC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GRAYLOGIC_AUTOMATION_TICK_INTERVAL", "7s")
	t.Setenv("GRAYLOGIC_AUTOMATION_WORKERS", "8")
	t.Setenv("GRAYLOGIC_AUTOMATION_RULES_FILE", "/etc/graylogic/rules.yaml")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}
	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Automation.TickInterval != 7*time.Second {
		t.Errorf("Automation.TickInterval = %v, want 7s", cfg.Automation.TickInterval)
	}
	if cfg.Automation.Workers != 8 {
		t.Errorf("Automation.Workers = %d, want 8", cfg.Automation.Workers)
	}
	if cfg.Automation.RulesFile != "/etc/graylogic/rules.yaml" {
		t.Errorf("Automation.RulesFile = %q", cfg.Automation.RulesFile)
	}
}

func TestApplyEnvOverrides_IgnoresMalformedNumbers(t *testing.T) {
	cfg := defaultConfig()
	t.Setenv("GRAYLOGIC_AUTOMATION_WORKERS", "many")
	t.Setenv("GRAYLOGIC_AUTOMATION_TICK_INTERVAL", "soon")

	applyEnvOverrides(cfg)

	if cfg.Automation.Workers != 4 {
		t.Errorf("Automation.Workers = %d, want default 4", cfg.Automation.Workers)
	}
	if cfg.Automation.TickInterval != 5*time.Second {
		t.Errorf("Automation.TickInterval = %v, want default 5s", cfg.Automation.TickInterval)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.Automation.CommandTimeout != 10*time.Second {
		t.Errorf("defaultConfig Automation.CommandTimeout = %v, want 10s", cfg.Automation.CommandTimeout)
	}
	if cfg.Automation.Retry.MaxAttempts != 3 {
		t.Errorf("defaultConfig Automation.Retry.MaxAttempts = %d, want 3", cfg.Automation.Retry.MaxAttempts)
	}
}
