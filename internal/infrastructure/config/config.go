package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the automation engine.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Automation AutomationConfig `yaml:"automation"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Timezone string         `yaml:"timezone"`
	Location LocationConfig `yaml:"location"`
}

// LocationConfig contains geographic coordinates for sunrise/sunset calculations.
type LocationConfig struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains the local ops HTTP server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket hub settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
// When enabled, every automation execution is written as a point.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// AutomationConfig contains rule scheduler and executor settings.
type AutomationConfig struct {
	// TickInterval is how often time, solar and interval triggers are checked.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Workers bounds concurrent rule evaluations.
	Workers int `yaml:"workers"`

	// QueueSize bounds pending work (events, firings, resumed runs).
	QueueSize int `yaml:"queue_size"`

	// CommandTimeout applies to each device command attempt.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// CommandAck makes device commands wait for a bridge acknowledgement.
	CommandAck bool `yaml:"command_ack"`

	Retry RetryConfig `yaml:"retry"`

	// ExecutionTimeout bounds a whole execution, delays included.
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`

	// ShutdownGrace is how long Stop waits for in-flight executions
	// before cancelling their commands.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// SolarWindow is how late a solar trigger may still fire after its instant.
	SolarWindow time.Duration `yaml:"solar_window"`

	// RulesFile is an optional YAML file of rules imported at startup.
	RulesFile string `yaml:"rules_file"`

	// HistoryRetention is how long execution records are kept.
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// RetryConfig contains device command retry settings.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_AUTOMATION_WORKERS
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Gray Logic",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/graylogic.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-automation",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8081,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				Path:           "/ws",
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Automation: AutomationConfig{
			TickInterval:   5 * time.Second,
			Workers:        4,
			QueueSize:      256,
			CommandTimeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: time.Second,
				MaxDelay:     8 * time.Second,
				Multiplier:   2.0,
			},
			ExecutionTimeout: 10 * time.Minute,
			ShutdownGrace:    15 * time.Second,
			SolarWindow:      2 * time.Minute,
			HistoryRetention: 30 * 24 * time.Hour,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("GRAYLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Automation
	if v := os.Getenv("GRAYLOGIC_AUTOMATION_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Automation.TickInterval = d
		}
	}
	if v := os.Getenv("GRAYLOGIC_AUTOMATION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Automation.Workers = n
		}
	}
	if v := os.Getenv("GRAYLOGIC_AUTOMATION_RULES_FILE"); v != "" {
		cfg.Automation.RulesFile = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected and reported together.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Site.Timezone != "" {
		if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
		}
	}
	if c.Site.Location.Latitude < -90 || c.Site.Location.Latitude > 90 {
		errs = append(errs, "site.location.latitude must be between -90 and 90")
	}
	if c.Site.Location.Longitude < -180 || c.Site.Location.Longitude > 180 {
		errs = append(errs, "site.location.longitude must be between -180 and 180")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	errs = append(errs, c.Automation.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (a AutomationConfig) validate() []string {
	var errs []string
	if a.TickInterval < time.Second || a.TickInterval > time.Minute {
		errs = append(errs, "automation.tick_interval must be between 1s and 60s")
	}
	if a.Workers < 1 {
		errs = append(errs, "automation.workers must be at least 1")
	}
	if a.QueueSize < 1 {
		errs = append(errs, "automation.queue_size must be at least 1")
	}
	if a.CommandTimeout <= 0 {
		errs = append(errs, "automation.command_timeout must be positive")
	}
	if a.Retry.MaxAttempts < 1 {
		errs = append(errs, "automation.retry.max_attempts must be at least 1")
	}
	if a.Retry.MaxDelay < a.Retry.InitialDelay {
		errs = append(errs, "automation.retry.max_delay must be >= initial_delay")
	}
	if a.Retry.Multiplier < 1 {
		errs = append(errs, "automation.retry.multiplier must be >= 1")
	}
	if a.ShutdownGrace < 0 {
		errs = append(errs, "automation.shutdown_grace cannot be negative")
	}
	if a.SolarWindow < a.TickInterval {
		errs = append(errs, "automation.solar_window must be >= tick_interval")
	}
	return errs
}

// Location returns the site time zone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Site.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
