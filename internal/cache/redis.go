package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var errMissingRedisAddress = errors.New("cache: redis address is required")

// RedisConfig describes the shared Redis view cache.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	TTL       time.Duration
	KeyPrefix string
}

// Redis is a Store shared between service replicas.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis connects a Redis-backed store. The connection is established lazily.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		return nil, errMissingRedisAddress
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		ttl:    cfg.TTL,
		prefix: cfg.KeyPrefix,
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.prefix+key, value, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for index, key := range keys {
		prefixed[index] = r.prefix + key
	}
	return r.client.Del(ctx, prefixed...).Err()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
