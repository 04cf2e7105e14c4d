// Package config handles application configuration loading and validation using Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Gitea      GiteaConfig      `mapstructure:"gitea"`
	GitLab     GitLabConfig     `mapstructure:"gitlab"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Mattermost MattermostConfig `mapstructure:"mattermost"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Reputation ReputationConfig `mapstructure:"reputation"`
	Sweeper    SweeperConfig    `mapstructure:"sweeper"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Environment  string        `mapstructure:"environment"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RequestTimeout bounds the storage work done for a single inbound fact.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// GiteaConfig contains the Gitea webhook secret used for HMAC verification.
type GiteaConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// GitLabConfig contains the GitLab webhook shared token.
type GitLabConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// IngestConfig contains the secret for the internal signed fact endpoint.
type IngestConfig struct {
	Secret string `mapstructure:"secret"`
}

// MattermostConfig contains Mattermost webhook settings for operator alerts.
type MattermostConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
	Enabled    bool   `mapstructure:"enabled"`
}

// DatabaseConfig contains database connection settings for PostgreSQL and Redis.
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains PostgreSQL database connection and pool settings.
type PostgresConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	// AutoMigrate runs the embedded SQL migrations on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the key/value connection string understood by the pgx driver.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the postgres:// URL form used by golang-migrate.
func (c *PostgresConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// RedisConfig contains Redis cache connection and pool settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// ReputationConfig is the policy surface of the reputation engine.
type ReputationConfig struct {
	InitialElo        int            `mapstructure:"initial_elo"`
	Floor             int            `mapstructure:"floor"`
	HighEloThreshold  int            `mapstructure:"high_elo_threshold"`
	ReviewRateLimit   int            `mapstructure:"review_rate_limit"`
	ReviewRateWindow  time.Duration  `mapstructure:"review_rate_window"`
	ReplacementWindow time.Duration  `mapstructure:"replacement_window"`
	Deltas            map[string]int `mapstructure:"deltas"`
}

// SweeperConfig contains longevity sweeper settings.
type SweeperConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Schedule           string        `mapstructure:"schedule"`
	Timezone           string        `mapstructure:"timezone"`
	LongevityThreshold time.Duration `mapstructure:"longevity_threshold"`
	BatchSize          int           `mapstructure:"batch_size"`
}

// GatewayConfig contains retry and deduplication settings for inbound facts.
type GatewayConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	DeliveryTTL     time.Duration `mapstructure:"delivery_ttl"`
}

// MetricsConfig contains metrics exporter settings.
type MetricsConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig contains Prometheus metrics exporter settings.
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig contains application logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// positiveDeltas lists the event types whose configured delta must be > 0.
// Every other known event type must be < 0.
var positiveDeltas = map[string]bool{
	"pr_merged":         true,
	"high_elo_approval": true,
	"longevity_bonus":   true,
	"dependent_pr":      true,
}

var negativeDeltas = map[string]bool{
	"commit_reverted":       true,
	"bug_referenced":        true,
	"pr_rejected":           true,
	"low_peer_review_score": true,
	"code_replaced":         true,
}

// setDefaults installs the defaults that make an empty config file usable.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 10*time.Second)

	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.ssl_mode", "disable")
	v.SetDefault("database.postgres.max_open_conns", 25)
	v.SetDefault("database.postgres.max_idle_conns", 5)
	v.SetDefault("database.postgres.conn_max_lifetime", 300)
	v.SetDefault("database.postgres.auto_migrate", true)
	v.SetDefault("database.redis.port", 6379)
	v.SetDefault("database.redis.pool_size", 10)

	v.SetDefault("reputation.initial_elo", 1000)
	v.SetDefault("reputation.floor", 0)
	v.SetDefault("reputation.high_elo_threshold", 1400)
	v.SetDefault("reputation.review_rate_limit", 10)
	v.SetDefault("reputation.review_rate_window", time.Hour)
	v.SetDefault("reputation.replacement_window", 7*24*time.Hour)
	v.SetDefault("reputation.deltas", DefaultDeltas())

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", "@every 1h")
	v.SetDefault("sweeper.timezone", "UTC")
	v.SetDefault("sweeper.longevity_threshold", 30*24*time.Hour)
	v.SetDefault("sweeper.batch_size", 100)

	v.SetDefault("gateway.max_retries", 5)
	v.SetDefault("gateway.initial_interval", 100*time.Millisecond)
	v.SetDefault("gateway.max_interval", 2*time.Second)
	v.SetDefault("gateway.delivery_ttl", 24*time.Hour)

	v.SetDefault("metrics.prometheus.enabled", true)
	v.SetDefault("metrics.prometheus.port", 9090)
	v.SetDefault("metrics.prometheus.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// DefaultDeltas returns the stock policy table.
func DefaultDeltas() map[string]int {
	return map[string]int{
		"pr_merged":             15,
		"high_elo_approval":     5,
		"longevity_bonus":       10,
		"dependent_pr":          5,
		"commit_reverted":       -30,
		"bug_referenced":        -15,
		"pr_rejected":           -5,
		"low_peer_review_score": -10,
		"code_replaced":         -10,
	}
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/contribution-ledger/")
	}

	// Server configuration
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.environment", "SERVER_ENVIRONMENT")

	// Webhook and ingest secrets
	_ = v.BindEnv("gitea.webhook_secret", "GITEA_WEBHOOK_SECRET")
	_ = v.BindEnv("gitlab.webhook_secret", "GITLAB_WEBHOOK_SECRET")
	_ = v.BindEnv("ingest.secret", "LEDGER_INGEST_SECRET")

	// Mattermost configuration
	_ = v.BindEnv("mattermost.webhook_url", "MATTERMOST_WEBHOOK_URL")
	_ = v.BindEnv("mattermost.channel", "MATTERMOST_CHANNEL")
	_ = v.BindEnv("mattermost.enabled", "MATTERMOST_ENABLED")

	// PostgreSQL configuration
	_ = v.BindEnv("database.postgres.host", "POSTGRES_HOST")
	_ = v.BindEnv("database.postgres.port", "POSTGRES_PORT")
	_ = v.BindEnv("database.postgres.database", "POSTGRES_DB")
	_ = v.BindEnv("database.postgres.user", "POSTGRES_USER")
	_ = v.BindEnv("database.postgres.password", "POSTGRES_PASSWORD")
	_ = v.BindEnv("database.postgres.ssl_mode", "POSTGRES_SSL_MODE")
	_ = v.BindEnv("database.postgres.auto_migrate", "POSTGRES_AUTO_MIGRATE")

	// Redis configuration
	_ = v.BindEnv("database.redis.enabled", "REDIS_ENABLED")
	_ = v.BindEnv("database.redis.host", "REDIS_HOST")
	_ = v.BindEnv("database.redis.port", "REDIS_PORT")
	_ = v.BindEnv("database.redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("database.redis.db", "REDIS_DB")

	// Logging configuration
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
	_ = v.BindEnv("logging.output", "LOG_OUTPUT")

	// Sweeper configuration
	_ = v.BindEnv("sweeper.enabled", "SWEEPER_ENABLED")
	_ = v.BindEnv("sweeper.schedule", "SWEEPER_SCHEDULE")
	_ = v.BindEnv("sweeper.longevity_threshold", "SWEEPER_LONGEVITY_THRESHOLD")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Gitea.WebhookSecret == "" && c.GitLab.WebhookSecret == "" {
		return fmt.Errorf("at least one of gitea.webhook_secret or gitlab.webhook_secret is required")
	}
	if c.Ingest.Secret == "" {
		return fmt.Errorf("ingest.secret is required")
	}
	if c.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if c.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if c.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}
	if c.Database.Redis.Enabled && c.Database.Redis.Host == "" {
		return fmt.Errorf("database.redis.host is required when redis is enabled")
	}
	if err := c.Reputation.Validate(); err != nil {
		return err
	}
	if c.Sweeper.Enabled {
		if c.Sweeper.Schedule == "" {
			return fmt.Errorf("sweeper.schedule is required when the sweeper is enabled")
		}
		if c.Sweeper.LongevityThreshold <= 0 {
			return fmt.Errorf("sweeper.longevity_threshold must be positive")
		}
	}
	return nil
}

// Validate checks the reputation policy table for unknown event types and wrong signs.
func (r *ReputationConfig) Validate() error {
	if r.InitialElo < r.Floor {
		return fmt.Errorf("reputation.initial_elo (%d) is below reputation.floor (%d)", r.InitialElo, r.Floor)
	}
	if r.ReviewRateLimit < 0 {
		return fmt.Errorf("reputation.review_rate_limit cannot be negative")
	}
	for name, delta := range r.Deltas {
		key := strings.ToLower(name)
		switch {
		case positiveDeltas[key]:
			if delta <= 0 {
				return fmt.Errorf("reputation.deltas.%s must be positive, got %d", key, delta)
			}
		case negativeDeltas[key]:
			if delta >= 0 {
				return fmt.Errorf("reputation.deltas.%s must be negative, got %d", key, delta)
			}
		default:
			return fmt.Errorf("reputation.deltas: unknown event type %q", name)
		}
	}
	return nil
}

// GetLocation returns the sweeper timezone location.
func (c *SweeperConfig) GetLocation() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}
