// Package config loads and validates the kmbridge configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	CORS      CORSConfig      `yaml:"cors"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	SNMP      SNMPConfig      `yaml:"snmp"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAgeSeconds  int      `yaml:"max_age_seconds"`
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"ssl_mode"`
}

type AuthConfig struct {
	AdminUsername  string `yaml:"admin_username"`
	AdminPassword  string `yaml:"admin_password"`
	JWTSecret      string `yaml:"jwt_secret"`
	JWTExpiryHours int    `yaml:"jwt_expiry_hours"`
	EncryptionKey  string `yaml:"encryption_key"`
}

type SNMPConfig struct {
	Community string `yaml:"community"`
	TimeoutMS int    `yaml:"timeout_ms"`
	Retries   int    `yaml:"retries"`
}

// CredentialList is the ordered default password list for one model
// family. Order matters: discovery stops at the first success.
type CredentialList struct {
	Model     string   `yaml:"model"`
	Passwords []string `yaml:"passwords"`
}

// FixedDevice pins a known address in fixed-list discovery mode,
// optionally with an admin password that overrides probing.
type FixedDevice struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
}

type DiscoveryConfig struct {
	Mode          string           `yaml:"mode" validate:"omitempty,oneof=auto fixed"`
	Network       string           `yaml:"network"`
	Devices       []FixedDevice    `yaml:"devices"`
	Parallelism   int              `yaml:"parallelism"`
	ProbeTimeout  int              `yaml:"probe_timeout_ms"`
	WebPort       int              `yaml:"web_port"`
	RawPort       int              `yaml:"raw_port"`
	Credentials   []CredentialList `yaml:"credentials"`
	ScanOnStartup bool             `yaml:"scan_on_startup"`
}

type HealthConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	ProbeTimeoutMS   int `yaml:"probe_timeout_ms"`
	FailureThreshold int `yaml:"failure_threshold"`
}

type JobsConfig struct {
	MaxRetries        int `yaml:"max_retries"`
	BackoffBaseMS     int `yaml:"backoff_base_ms"`
	BackoffCapMS      int `yaml:"backoff_cap_ms"`
	PollIntervalMS    int `yaml:"poll_interval_ms"`
	JobTimeoutSeconds int `yaml:"job_timeout_seconds"`
	QueueSize         int `yaml:"queue_size"`
}

type BridgeConfig struct {
	WebhookEndpoints    []string `yaml:"webhook_endpoints"`
	PollEndpoints       []string `yaml:"poll_endpoints"`
	PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
	APIKey              string   `yaml:"api_key"`
	SigningSecret       string   `yaml:"signing_secret"`
	MaxAttempts         int      `yaml:"max_attempts"`
	BackoffBaseMS       int      `yaml:"backoff_base_ms"`
	ReplayWindowSeconds int      `yaml:"replay_window_seconds"`
	RequestTimeoutMS    int      `yaml:"request_timeout_ms"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Load reads configuration from file, applies KMB_ environment variable
// overrides, fills defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = 15000
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = 15000
	}
	if c.SNMP.Community == "" {
		c.SNMP.Community = "public"
	}
	if c.SNMP.TimeoutMS == 0 {
		c.SNMP.TimeoutMS = 5000
	}
	if c.SNMP.Retries == 0 {
		c.SNMP.Retries = 1
	}
	if c.Discovery.Mode == "" {
		c.Discovery.Mode = "fixed"
	}
	if c.Discovery.Parallelism == 0 {
		c.Discovery.Parallelism = 20
	}
	if c.Discovery.ProbeTimeout == 0 {
		c.Discovery.ProbeTimeout = 3000
	}
	if c.Discovery.WebPort == 0 {
		c.Discovery.WebPort = 80
	}
	if c.Discovery.RawPort == 0 {
		c.Discovery.RawPort = 9100
	}
	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.ProbeTimeoutMS == 0 {
		c.Health.ProbeTimeoutMS = 5000
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 3
	}
	if c.Jobs.MaxRetries == 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.Jobs.BackoffBaseMS == 0 {
		c.Jobs.BackoffBaseMS = 500
	}
	if c.Jobs.BackoffCapMS == 0 {
		c.Jobs.BackoffCapMS = 30000
	}
	if c.Jobs.PollIntervalMS == 0 {
		c.Jobs.PollIntervalMS = 1000
	}
	if c.Jobs.JobTimeoutSeconds == 0 {
		c.Jobs.JobTimeoutSeconds = 300
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = 100
	}
	if c.Bridge.PollIntervalSeconds == 0 {
		c.Bridge.PollIntervalSeconds = 30
	}
	if c.Bridge.MaxAttempts == 0 {
		c.Bridge.MaxAttempts = 3
	}
	if c.Bridge.BackoffBaseMS == 0 {
		c.Bridge.BackoffBaseMS = 1000
	}
	if c.Bridge.ReplayWindowSeconds == 0 {
		c.Bridge.ReplayWindowSeconds = 300
	}
	if c.Bridge.RequestTimeoutMS == 0 {
		c.Bridge.RequestTimeoutMS = 10000
	}
	if c.Auth.JWTExpiryHours == 0 {
		c.Auth.JWTExpiryHours = 24
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate ensures all required configuration values are set.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("KMB_AUTH_JWT_SECRET is required (minimum 32 characters)")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 characters")
	}

	if c.Auth.EncryptionKey == "" {
		return fmt.Errorf("KMB_AUTH_ENCRYPTION_KEY is required (32 bytes for AES-256)")
	}
	if len(c.Auth.EncryptionKey) != 32 {
		return fmt.Errorf("encryption_key must be exactly 32 bytes")
	}

	if c.Auth.AdminPassword == "" || c.Auth.AdminPassword == "changeme" {
		return fmt.Errorf("KMB_AUTH_ADMIN_PASSWORD must be set to a strong password")
	}

	if c.Database.Enabled && (c.Database.Host == "" || c.Database.DBName == "") {
		return fmt.Errorf("database host and dbname are required when database is enabled")
	}

	if c.Discovery.Mode == "auto" && c.Discovery.Network == "" {
		return fmt.Errorf("discovery.network is required in auto mode")
	}

	return nil
}

// applyEnvOverrides checks for environment variables with KMB_ prefix.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KMB_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("KMB_SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("KMB_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("KMB_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("KMB_AUTH_ADMIN_PASSWORD"); v != "" {
		cfg.Auth.AdminPassword = v
	}
	if v := os.Getenv("KMB_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("KMB_AUTH_ENCRYPTION_KEY"); v != "" {
		cfg.Auth.EncryptionKey = v
	}
	if v := os.Getenv("KMB_SNMP_COMMUNITY"); v != "" {
		cfg.SNMP.Community = v
	}
	if v := os.Getenv("KMB_BRIDGE_API_KEY"); v != "" {
		cfg.Bridge.APIKey = v
	}
	if v := os.Getenv("KMB_BRIDGE_SIGNING_SECRET"); v != "" {
		cfg.Bridge.SigningSecret = v
	}
	if v := os.Getenv("KMB_BRIDGE_WEBHOOK_ENDPOINTS"); v != "" {
		cfg.Bridge.WebhookEndpoints = splitList(v)
	}
	if v := os.Getenv("KMB_BRIDGE_POLL_ENDPOINTS"); v != "" {
		cfg.Bridge.PollEndpoints = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// GetReadTimeout returns the read timeout as a duration.
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the write timeout as a duration.
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// GetDSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// GetJWTExpiry returns JWT expiry as duration.
func (a *AuthConfig) GetJWTExpiry() time.Duration {
	return time.Duration(a.JWTExpiryHours) * time.Hour
}

func (s *SNMPConfig) GetTimeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func (d *DiscoveryConfig) GetProbeTimeout() time.Duration {
	return time.Duration(d.ProbeTimeout) * time.Millisecond
}

func (h *HealthConfig) GetInterval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

func (h *HealthConfig) GetProbeTimeout() time.Duration {
	return time.Duration(h.ProbeTimeoutMS) * time.Millisecond
}

func (j *JobsConfig) GetBackoffBase() time.Duration {
	return time.Duration(j.BackoffBaseMS) * time.Millisecond
}

func (j *JobsConfig) GetBackoffCap() time.Duration {
	return time.Duration(j.BackoffCapMS) * time.Millisecond
}

func (j *JobsConfig) GetPollInterval() time.Duration {
	return time.Duration(j.PollIntervalMS) * time.Millisecond
}

func (j *JobsConfig) GetJobTimeout() time.Duration {
	return time.Duration(j.JobTimeoutSeconds) * time.Second
}

func (b *BridgeConfig) GetPollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

func (b *BridgeConfig) GetBackoffBase() time.Duration {
	return time.Duration(b.BackoffBaseMS) * time.Millisecond
}

func (b *BridgeConfig) GetReplayWindow() time.Duration {
	return time.Duration(b.ReplayWindowSeconds) * time.Second
}

func (b *BridgeConfig) GetRequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutMS) * time.Millisecond
}
