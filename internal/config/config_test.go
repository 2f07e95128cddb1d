package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabaseDSN != defaultDatabaseDSN {
		t.Fatalf("unexpected database defaults %q %q", cfg.DatabaseDriver, cfg.DatabaseDSN)
	}
	if cfg.CacheBackend != CacheBackendMemory || cfg.CacheTTL != time.Hour {
		t.Fatalf("unexpected cache defaults %q %v", cfg.CacheBackend, cfg.CacheTTL)
	}
	if cfg.MigrationBatchSize != 500 {
		t.Fatalf("expected default batch size 500, got %d", cfg.MigrationBatchSize)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("GRAVITY_CHAT_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("GRAVITY_CHAT_MIGRATION_BATCH_SIZE", "25")
	t.Setenv("GRAVITY_CHAT_DATABASE_DRIVER", "Postgres")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSigningSecret != "from-env" || cfg.MigrationBatchSize != 25 || cfg.DatabaseDriver != "postgres" {
		t.Fatalf("environment not applied: %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		expected string
	}{
		{name: "missing secret", settings: map[string]any{}, expected: "auth.signing_secret"},
		{name: "unknown driver", settings: map[string]any{"database.driver": "mysql"}, expected: "database.driver"},
		{name: "redis without address", settings: map[string]any{"cache.backend": "redis"}, expected: "redis.address"},
		{name: "zero batch", settings: map[string]any{"migration.batch_size": 0}, expected: "migration.batch_size"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			if testCase.name != "missing secret" {
				configViper.Set("auth.signing_secret", "secret")
			}
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.expected, err)
			}
		})
	}
}

func TestLoadStoreSkipsAuth(t *testing.T) {
	cfg, err := LoadStore(NewViper())
	if err != nil {
		t.Fatalf("load store failed: %v", err)
	}
	if cfg.DatabaseDSN == "" {
		t.Fatalf("expected database dsn default")
	}
}
