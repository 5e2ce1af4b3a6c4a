// Package config provides configuration management for the notification engine.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Kafka       KafkaConfig        `mapstructure:"kafka"`
	Log         LogConfig          `mapstructure:"log"`
	River       RiverConfig        `mapstructure:"river"`
	Worker      WorkerConfig       `mapstructure:"worker"`
	Dispatcher  DispatcherConfig   `mapstructure:"dispatcher"`
	Realtime    RealtimeConfig     `mapstructure:"realtime"`
	Channels    ChannelsConfig     `mapstructure:"channels"`
	Security    SecurityConfig     `mapstructure:"security"`
	Experiments []ExperimentConfig `mapstructure:"experiments"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// AllowCredentials lets browsers send cookies and auth headers cross-origin.
	AllowCredentials bool `mapstructure:"allow_credentials"`
	// UnsafeAllowAllOrigins honours "*" in AllowedOrigins. Credentials are
	// then disabled.
	UnsafeAllowAllOrigins bool `mapstructure:"unsafe_allow_all_origins"`
	// ValidateResponses checks handler responses against the OpenAPI
	// document. Meant for development and tests.
	ValidateResponses bool `mapstructure:"validate_responses"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pool is shared by the repositories and River.
type DatabaseConfig struct {
	// Driver selects the store: "postgres" (default) or "memory" for
	// single-process development runs.
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// RedisConfig contains the optional Redis connection. An empty URL disables
// cross-instance realtime fan-out, frequency capping and the metrics cache.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Enabled reports whether Redis is configured.
func (c RedisConfig) Enabled() bool { return c.URL != "" }

// KafkaConfig contains the optional Kafka settings for fact ingestion and the
// push gateway topic.
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	FactsTopic string   `mapstructure:"facts_topic"`
	GroupID    string   `mapstructure:"group_id"`
	PushTopic  string   `mapstructure:"push_topic"`
}

// Enabled reports whether any broker is configured.
func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
	MetricsRollupInterval       time.Duration `mapstructure:"metrics_rollup_interval"`
	ExpirySweepInterval         time.Duration `mapstructure:"expiry_sweep_interval"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	DispatchPoolSize int `mapstructure:"dispatch_pool_size"`
	GeneralPoolSize  int `mapstructure:"general_pool_size"`
}

// DispatcherConfig controls queue polling, leasing and retry.
type DispatcherConfig struct {
	// WorkerID identifies this process as lease owner. Empty means a random
	// id is generated at startup.
	WorkerID            string        `mapstructure:"worker_id"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	BatchSize           int           `mapstructure:"batch_size"`
	LeaseDuration       time.Duration `mapstructure:"lease_duration"`
	AdapterTimeout      time.Duration `mapstructure:"adapter_timeout"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffCap          time.Duration `mapstructure:"backoff_cap"`
	FrequencyCapPerHour int           `mapstructure:"frequency_cap_per_hour"`
}

// RealtimeConfig controls the websocket transport.
type RealtimeConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	FanoutChannel    string        `mapstructure:"fanout_channel"`
}

// ChannelsConfig holds per-adapter settings. An adapter whose required
// settings are empty is not registered and its entries fail permanently.
type ChannelsConfig struct {
	TemplatesPath string        `mapstructure:"templates_path"`
	Email         EmailConfig   `mapstructure:"email"`
	SMS           SMSConfig     `mapstructure:"sms"`
	Webhook       WebhookConfig `mapstructure:"webhook"`
	Push          PushConfig    `mapstructure:"push"`
}

// EmailConfig contains SMTP settings.
type EmailConfig struct {
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SMSConfig contains Twilio credentials. The adapter is registered only
// when AccountSID is set.
type SMSConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	From       string `mapstructure:"from"`
}

// WebhookConfig contains outbound webhook settings.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PushConfig enables the push adapter when Kafka carries a push topic.
type PushConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SecurityConfig contains security-related settings.
// Secrets are auto-generated on first boot if missing.
type SecurityConfig struct {
	EncryptionKey string        `mapstructure:"encryption_key"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTIssuer     string        `mapstructure:"jwt_issuer"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
}

// ExperimentConfig defines one experiment's variant split.
type ExperimentConfig struct {
	ID       string          `mapstructure:"id"`
	Variants []VariantConfig `mapstructure:"variants"`
}

// VariantConfig is a variant name with its relative weight.
type VariantConfig struct {
	Name   string `mapstructure:"name"`
	Weight int    `mapstructure:"weight"`
}

var (
	bootstrapLoggerOnce sync.Once
	bootstrapLogger     *zap.Logger
)

// Load reads configuration from file and environment variables.
// Nested keys map to upper-case env names: dispatcher.max_attempts → DISPATCHER_MAX_ATTEMPTS.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/cardpilot")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.ensureSecrets(); err != nil {
		return nil, fmt.Errorf("ensure secrets: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Database.Driver)
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters")
	}

	d := c.Dispatcher
	if d.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batch_size must be positive")
	}
	if d.MaxAttempts < 1 {
		return fmt.Errorf("dispatcher.max_attempts must be at least 1")
	}
	if d.PollInterval <= 0 {
		return fmt.Errorf("dispatcher.poll_interval must be positive")
	}
	if d.AdapterTimeout <= 0 {
		return fmt.Errorf("dispatcher.adapter_timeout must be positive")
	}
	// A lease must outlive the adapter call it guards.
	if d.LeaseDuration <= d.AdapterTimeout {
		return fmt.Errorf("dispatcher.lease_duration (%s) must exceed dispatcher.adapter_timeout (%s)",
			d.LeaseDuration, d.AdapterTimeout)
	}
	if d.BackoffBase <= 0 || d.BackoffCap < d.BackoffBase {
		return fmt.Errorf("dispatcher.backoff_cap must be >= dispatcher.backoff_base > 0")
	}
	if d.FrequencyCapPerHour < 0 {
		return fmt.Errorf("dispatcher.frequency_cap_per_hour must not be negative")
	}

	if c.Realtime.HeartbeatTimeout <= 0 {
		return fmt.Errorf("realtime.heartbeat_timeout must be positive")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}

	seen := make(map[string]bool, len(c.Experiments))
	for _, exp := range c.Experiments {
		if exp.ID == "" {
			return fmt.Errorf("experiments: id must not be empty")
		}
		if seen[exp.ID] {
			return fmt.Errorf("experiments: duplicate id %q", exp.ID)
		}
		seen[exp.ID] = true
	}
	return nil
}

// ensureSecrets auto-generates missing secrets so a development instance boots
// without configuration. Tokens signed with a generated secret do not survive
// a restart.
func (c *Config) ensureSecrets() error {
	if c.Security.JWTSecret == "" {
		secret, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate jwt secret: %w", err)
		}
		c.Security.JWTSecret = secret
		logBootstrapWarn(
			"auto-generated jwt_secret; set SECURITY_JWT_SECRET env var for persistence",
			zap.Int("length", len(secret)),
		)
	}
	if c.Security.EncryptionKey == "" {
		key, err := generateSecureRandomHex(32)
		if err != nil {
			return fmt.Errorf("auto-generate encryption key: %w", err)
		}
		c.Security.EncryptionKey = key
		logBootstrapWarn(
			"auto-generated encryption_key; webhook signatures change on restart, set SECURITY_ENCRYPTION_KEY",
			zap.Int("length", len(key)),
		)
	}
	return nil
}

func logBootstrapWarn(msg string, fields ...zap.Field) {
	bootstrapLoggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)

		l, err := cfg.Build()
		if err != nil {
			bootstrapLogger = zap.NewNop()
			return
		}
		bootstrapLogger = l
	})

	bootstrapLogger.Warn(msg, fields...)
}

// generateSecureRandomHex produces a hex-encoded string of n random bytes.
func generateSecureRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.allow_credentials", true)
	v.SetDefault("server.unsafe_allow_all_origins", false)
	v.SetDefault("server.validate_responses", false)

	// Database
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "cardpilot")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "cardpilot")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 30)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", true)

	// Redis
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "notifier")

	// Kafka
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.facts_topic", "notification-facts")
	v.SetDefault("kafka.group_id", "notifier")
	v.SetDefault("kafka.push_topic", "push-gateway")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 5)
	v.SetDefault("river.completed_job_retention_period", "24h")
	v.SetDefault("river.metrics_rollup_interval", "1h")
	v.SetDefault("river.expiry_sweep_interval", "5m")

	// Worker pools
	v.SetDefault("worker.dispatch_pool_size", 32)
	v.SetDefault("worker.general_pool_size", 100)

	// Dispatcher
	v.SetDefault("dispatcher.worker_id", "")
	v.SetDefault("dispatcher.poll_interval", "1s")
	v.SetDefault("dispatcher.batch_size", 50)
	v.SetDefault("dispatcher.lease_duration", "60s")
	v.SetDefault("dispatcher.adapter_timeout", "15s")
	v.SetDefault("dispatcher.max_attempts", 3)
	v.SetDefault("dispatcher.backoff_base", "30s")
	v.SetDefault("dispatcher.backoff_cap", "30m")
	v.SetDefault("dispatcher.frequency_cap_per_hour", 6)

	// Realtime
	v.SetDefault("realtime.heartbeat_timeout", "60s")
	v.SetDefault("realtime.write_timeout", "10s")
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.fanout_channel", "notifier:realtime")

	// Channels
	v.SetDefault("channels.templates_path", "")
	v.SetDefault("channels.email.smtp_port", 587)
	v.SetDefault("channels.webhook.enabled", true)
	v.SetDefault("channels.webhook.timeout", "10s")
	v.SetDefault("channels.push.enabled", true)

	// Security
	v.SetDefault("security.jwt_issuer", "cardpilot")
	v.SetDefault("security.token_ttl", "24h")
}
