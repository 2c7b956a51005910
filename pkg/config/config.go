package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/orgfeed/pkg/changebus"
	"github.com/platinummonkey/orgfeed/pkg/observability"
	"github.com/platinummonkey/orgfeed/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       storage.Config      `yaml:"storage"`
	Bus           BusConfig           `yaml:"bus"`
	Sessions      SessionConfig       `yaml:"sessions"`
	Authz         AuthzConfig         `yaml:"authz"`
	Events        EventsConfig        `yaml:"events"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// BusConfig configures the change bus and its Redis relay
type BusConfig struct {
	QueueSize      int                   `yaml:"queue_size"`
	CoalesceWindow time.Duration         `yaml:"coalesce_window"`
	Overflow       string                `yaml:"overflow"`
	ChannelPrefix  string                `yaml:"channel_prefix"`
	Retry          changebus.RetryConfig `yaml:"retry"`
}

// OverflowPolicy returns the parsed overflow policy
func (b BusConfig) OverflowPolicy() changebus.OverflowPolicy {
	if b.Overflow == changebus.Disconnect.String() {
		return changebus.Disconnect
	}
	return changebus.DropOldest
}

// SessionConfig configures materialized view sessions
type SessionConfig struct {
	PageSize       int           `yaml:"page_size"`
	ResyncInterval time.Duration `yaml:"resync_interval"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
}

// AuthzConfig configures the authorization store
type AuthzConfig struct {
	RoleCacheSize  int           `yaml:"role_cache_size"`
	RoleCacheTTL   time.Duration `yaml:"role_cache_ttl"`
	ExpirySchedule string        `yaml:"expiry_schedule"`
	ExpiryLookback time.Duration `yaml:"expiry_lookback"`
}

// EventsConfig configures the domain event dispatcher
type EventsConfig struct {
	Shards         int           `yaml:"shards"`
	QueueSize      int           `yaml:"queue_size"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// RateLimitConfig configures mutation rate limiting
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string                   `yaml:"log_level"`
	LogFormat      string                   `yaml:"log_format"`
	MetricsEnabled bool                     `yaml:"metrics_enabled"`
	OTel           observability.OTelConfig `yaml:"otel"`
}

// Default returns the built in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    0, // streaming endpoints hold the response open
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Storage: storage.DefaultConfig(),
		Bus: BusConfig{
			QueueSize:      changebus.DefaultConfig().QueueSize,
			CoalesceWindow: changebus.DefaultConfig().CoalesceWindow,
			Overflow:       changebus.DropOldest.String(),
			ChannelPrefix:  changebus.DefaultChannelPrefix,
			Retry:          changebus.DefaultRetryConfig(),
		},
		Sessions: SessionConfig{
			PageSize:       20,
			ResyncInterval: 60 * time.Second,
			QueryTimeout:   10 * time.Second,
			Heartbeat:      25 * time.Second,
		},
		Authz: AuthzConfig{
			ExpirySchedule: "@every 1m",
			ExpiryLookback: 24 * time.Hour,
		},
		Events: EventsConfig{
			Shards:         8,
			QueueSize:      256,
			HandlerTimeout: 10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:  false,
			Requests: 60,
			Window:   time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
			OTel: observability.OTelConfig{
				Endpoint:       "localhost:4317",
				ServiceName:    "orgfeed",
				ServiceVersion: "dev",
				Insecure:       true,
			},
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by ORGFEED_CONFIG_FILE, and ORGFEED_* environment variables, in that
// order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("ORGFEED_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("ORGFEED_HOST", c.Server.Host)
	c.Server.Port = getEnv("ORGFEED_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("ORGFEED_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("ORGFEED_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("ORGFEED_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("ORGFEED_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.HealthPort = getEnv("ORGFEED_HEALTH_PORT", c.Server.HealthPort)

	c.Storage.Driver = getEnv("ORGFEED_DB_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("ORGFEED_DB_DSN", c.Storage.DSN)
	c.Storage.MaxOpenConns = getEnvInt("ORGFEED_DB_MAX_OPEN_CONNS", c.Storage.MaxOpenConns)
	c.Storage.MaxIdleConns = getEnvInt("ORGFEED_DB_MAX_IDLE_CONNS", c.Storage.MaxIdleConns)
	c.Storage.ConnectTimeout = getEnvDuration("ORGFEED_DB_CONNECT_TIMEOUT", c.Storage.ConnectTimeout)
	c.Storage.RedisURL = getEnv("ORGFEED_REDIS_URL", c.Storage.RedisURL)
	c.Storage.RedisPassword = getEnv("ORGFEED_REDIS_PASSWORD", c.Storage.RedisPassword)
	c.Storage.RedisDB = getEnvInt("ORGFEED_REDIS_DB", c.Storage.RedisDB)
	c.Storage.RedisPoolSize = getEnvInt("ORGFEED_REDIS_POOL_SIZE", c.Storage.RedisPoolSize)

	c.Bus.QueueSize = getEnvInt("ORGFEED_BUS_QUEUE_SIZE", c.Bus.QueueSize)
	c.Bus.CoalesceWindow = getEnvDuration("ORGFEED_BUS_COALESCE_WINDOW", c.Bus.CoalesceWindow)
	c.Bus.Overflow = getEnv("ORGFEED_BUS_OVERFLOW", c.Bus.Overflow)
	c.Bus.ChannelPrefix = getEnv("ORGFEED_BUS_CHANNEL_PREFIX", c.Bus.ChannelPrefix)
	c.Bus.Retry.MaxAttempts = getEnvInt("ORGFEED_BUS_RETRY_ATTEMPTS", c.Bus.Retry.MaxAttempts)

	c.Sessions.PageSize = getEnvInt("ORGFEED_SESSION_PAGE_SIZE", c.Sessions.PageSize)
	c.Sessions.ResyncInterval = getEnvDuration("ORGFEED_SESSION_RESYNC_INTERVAL", c.Sessions.ResyncInterval)
	c.Sessions.Heartbeat = getEnvDuration("ORGFEED_SESSION_HEARTBEAT", c.Sessions.Heartbeat)

	c.Authz.RoleCacheSize = getEnvInt("ORGFEED_ROLE_CACHE_SIZE", c.Authz.RoleCacheSize)
	c.Authz.RoleCacheTTL = getEnvDuration("ORGFEED_ROLE_CACHE_TTL", c.Authz.RoleCacheTTL)
	c.Authz.ExpirySchedule = getEnv("ORGFEED_EXPIRY_SCHEDULE", c.Authz.ExpirySchedule)

	c.Events.Shards = getEnvInt("ORGFEED_EVENT_SHARDS", c.Events.Shards)
	c.Events.QueueSize = getEnvInt("ORGFEED_EVENT_QUEUE_SIZE", c.Events.QueueSize)

	c.RateLimit.Enabled = getEnvBool("ORGFEED_RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
	c.RateLimit.Requests = getEnvInt("ORGFEED_RATE_LIMIT_REQUESTS", c.RateLimit.Requests)
	c.RateLimit.Window = getEnvDuration("ORGFEED_RATE_LIMIT_WINDOW", c.RateLimit.Window)

	c.Observability.LogLevel = getEnv("ORGFEED_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.LogFormat = getEnv("ORGFEED_LOG_FORMAT", c.Observability.LogFormat)
	c.Observability.MetricsEnabled = getEnvBool("ORGFEED_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTel.Enabled = getEnvBool("ORGFEED_OTEL_ENABLED", c.Observability.OTel.Enabled)
	c.Observability.OTel.Endpoint = getEnv("ORGFEED_OTEL_ENDPOINT", c.Observability.OTel.Endpoint)
	c.Observability.OTel.ServiceName = getEnv("ORGFEED_OTEL_SERVICE_NAME", c.Observability.OTel.ServiceName)
	c.Observability.OTel.ServiceVersion = getEnv("ORGFEED_OTEL_SERVICE_VERSION", c.Observability.OTel.ServiceVersion)
	c.Observability.OTel.Insecure = getEnvBool("ORGFEED_OTEL_INSECURE", c.Observability.OTel.Insecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("bus queue size must be positive")
	}
	if c.Bus.CoalesceWindow < 0 {
		return fmt.Errorf("bus coalesce window cannot be negative")
	}
	switch c.Bus.Overflow {
	case changebus.DropOldest.String(), changebus.Disconnect.String():
	default:
		return fmt.Errorf("invalid overflow policy: %s (must be drop_oldest or disconnect)", c.Bus.Overflow)
	}
	if c.Bus.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("bus retry attempts must be positive")
	}

	if c.Sessions.PageSize <= 0 || c.Sessions.PageSize > 100 {
		return fmt.Errorf("session page size must be between 1 and 100")
	}
	if c.Authz.ExpirySchedule == "" {
		return fmt.Errorf("expiry schedule is required")
	}
	if c.Events.Shards <= 0 {
		return fmt.Errorf("event shards must be positive")
	}
	if c.RateLimit.Enabled {
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("rate limiting requires redis")
		}
		if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit requests and window must be positive")
		}
	}

	if c.Observability.OTel.Enabled {
		if c.Observability.OTel.Endpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTel.ServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
