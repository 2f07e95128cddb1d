package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "GRAVITY_CHAT"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = "sqlite"
	defaultDatabaseDSN      = "gravity-chat.db"
	defaultLogLevel         = "info"
	defaultAuthIssuer       = "tauth"
	defaultCookieName       = "app_session"
	defaultCacheBackend     = CacheBackendMemory
	defaultCacheSize        = 4096
	defaultCacheTTLSeconds  = 3600
	defaultAMQPExchange     = "chat.events"
	defaultLocalIDCacheSize = 1024
	defaultBatchSize        = 500

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for the chat service.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabaseDSN    string

	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string

	CacheBackend  string
	CacheSize     int
	CacheTTL      time.Duration
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	AMQPURL      string
	AMQPExchange string

	AnnouncementsChatID string
	LocalIDCacheSize    int
	MigrationBatchSize  int
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("cache.backend", defaultCacheBackend)
	configViper.SetDefault("cache.size", defaultCacheSize)
	configViper.SetDefault("cache.ttl_seconds", defaultCacheTTLSeconds)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("amqp.exchange", defaultAMQPExchange)
	configViper.SetDefault("chats.local_id_cache_size", defaultLocalIDCacheSize)
	configViper.SetDefault("migration.batch_size", defaultBatchSize)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validate(true); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadStore parses configuration for commands that reach the database and
// caches but do not serve HTTP, so auth keys are not required.
func LoadStore(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validate(false); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func read(configViper *viper.Viper) AppConfig {
	return AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		LogLevel:            configViper.GetString("log.level"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:          configViper.GetString("auth.issuer"),
		AuthCookieName:      configViper.GetString("auth.cookie_name"),
		CacheBackend:        strings.ToLower(strings.TrimSpace(configViper.GetString("cache.backend"))),
		CacheSize:           configViper.GetInt("cache.size"),
		CacheTTL:            time.Duration(configViper.GetInt("cache.ttl_seconds")) * time.Second,
		RedisAddress:        configViper.GetString("redis.address"),
		RedisPassword:       configViper.GetString("redis.password"),
		RedisDB:             configViper.GetInt("redis.db"),
		AMQPURL:             configViper.GetString("amqp.url"),
		AMQPExchange:        configViper.GetString("amqp.exchange"),
		AnnouncementsChatID: configViper.GetString("chats.announcements_chat_id"),
		LocalIDCacheSize:    configViper.GetInt("chats.local_id_cache_size"),
		MigrationBatchSize:  configViper.GetInt("migration.batch_size"),
	}
}

func (c AppConfig) validate(requireAuth bool) error {
	if requireAuth {
		if strings.TrimSpace(c.AuthSigningSecret) == "" {
			return fmt.Errorf("auth.signing_secret is required")
		}
		if strings.TrimSpace(c.AuthCookieName) == "" {
			return fmt.Errorf("auth.cookie_name is required")
		}
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.CacheBackend {
	case CacheBackendMemory:
		if c.CacheSize <= 0 {
			return fmt.Errorf("cache.size must be positive")
		}
	case CacheBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.CacheBackend)
	}
	if c.MigrationBatchSize <= 0 {
		return fmt.Errorf("migration.batch_size must be positive")
	}
	return nil
}
