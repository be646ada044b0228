package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TOKENFARM"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DatabaseDriverSQLite
	defaultDatabaseDSN     = "tokenfarm.db"
	defaultCacheBackend    = CacheBackendMemory
	defaultRedisAddress    = "127.0.0.1:6379"
	defaultRedisPrefix     = "tokenfarm_aggregate"
	defaultCookieName      = "app_session"
	defaultSessionIssuer   = "tokenfarm-auth"
	defaultDuplicateWindow = 30 * time.Second
	defaultFeedRetention   = 200
	defaultFeedPageSize    = 15
	defaultFeedTTL         = 5 * time.Minute
	defaultStatsTTL        = 10 * time.Minute
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
)

const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"

	CacheBackendMemory   = "memory"
	CacheBackendRedis    = "redis"
	CacheBackendDatabase = "database"
	CacheBackendNone     = "none"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	AllowedOrigins       []string
	DatabaseDriver       string
	DatabaseDSN          string
	CacheBackend         string
	RedisAddress         string
	RedisPassword        string
	RedisDB              int
	RedisPrefix          string
	SessionSigningSecret string
	SessionCookieName    string
	SessionIssuer        string
	DuplicateWindow      time.Duration
	FeedRetention        int
	FeedPageSize         int
	FeedTTL              time.Duration
	StatsTTL             time.Duration
	LogLevel             string
	LogFormat            string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("cache.backend", defaultCacheBackend)
	configViper.SetDefault("cache.feed_ttl", defaultFeedTTL)
	configViper.SetDefault("cache.stats_ttl", defaultStatsTTL)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.prefix", defaultRedisPrefix)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("ingest.duplicate_window", defaultDuplicateWindow)
	configViper.SetDefault("feed.retention", defaultFeedRetention)
	configViper.SetDefault("feed.page_size", defaultFeedPageSize)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		CacheBackend:         strings.ToLower(strings.TrimSpace(configViper.GetString("cache.backend"))),
		RedisAddress:         configViper.GetString("redis.address"),
		RedisPassword:        configViper.GetString("redis.password"),
		RedisDB:              configViper.GetInt("redis.db"),
		RedisPrefix:          configViper.GetString("redis.prefix"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		DuplicateWindow:      configViper.GetDuration("ingest.duplicate_window"),
		FeedRetention:        configViper.GetInt("feed.retention"),
		FeedPageSize:         configViper.GetInt("feed.page_size"),
		FeedTTL:              configViper.GetDuration("cache.feed_ttl"),
		StatsTTL:             configViper.GetDuration("cache.stats_ttl"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch c.CacheBackend {
	case CacheBackendMemory, CacheBackendDatabase, CacheBackendNone:
	case CacheBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.CacheBackend)
	}
	if c.DuplicateWindow <= 0 {
		return fmt.Errorf("ingest.duplicate_window must be positive")
	}
	if c.FeedRetention <= 0 || c.FeedPageSize <= 0 {
		return fmt.Errorf("feed.retention and feed.page_size must be positive")
	}
	if c.FeedTTL <= 0 || c.StatsTTL <= 0 {
		return fmt.Errorf("cache.feed_ttl and cache.stats_ttl must be positive")
	}
	return nil
}

// SessionIssuerOrDefault returns the configured issuer, falling back to the built-in one.
func (c AppConfig) SessionIssuerOrDefault() string {
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return defaultSessionIssuer
	}
	return c.SessionIssuer
}
