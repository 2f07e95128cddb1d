// Package cache holds computed read views keyed by operation name and arguments.
// Writers never update cached values in place: they invalidate the keys they
// made stale and the next reader recomputes.
package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/metrics"
	"github.com/vmihailenco/msgpack/v5"
)

var errNilStore = errors.New("cache: store is nil")

// Store is a byte-oriented view cache with explicit invalidation.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Key joins an operation name and its arguments into a cache key.
func Key(operation string, args ...string) string {
	var builder strings.Builder
	builder.WriteString(operation)
	for _, arg := range args {
		builder.WriteByte('|')
		builder.WriteString(arg)
	}
	return builder.String()
}

// GetOrCompute returns the cached value for key or computes, stores and returns it.
// Cache failures are reported through metrics and never fail the read.
func GetOrCompute[T any](ctx context.Context, store Store, view, key string, compute func(context.Context) (T, error)) (T, error) {
	if store == nil {
		return compute(ctx)
	}
	payload, found, err := store.Get(ctx, key)
	switch {
	case err != nil:
		metrics.ViewCacheRequests.WithLabelValues(view, "error").Inc()
	case found:
		var cached T
		if decodeErr := msgpack.Unmarshal(payload, &cached); decodeErr == nil {
			metrics.ViewCacheRequests.WithLabelValues(view, "hit").Inc()
			return cached, nil
		}
		metrics.ViewCacheRequests.WithLabelValues(view, "error").Inc()
	default:
		metrics.ViewCacheRequests.WithLabelValues(view, "miss").Inc()
	}

	value, err := compute(ctx)
	if err != nil {
		return value, err
	}
	if encoded, encodeErr := msgpack.Marshal(value); encodeErr == nil {
		_ = store.Set(ctx, key, encoded)
	}
	return value, nil
}

// Invalidate drops keys from store, counting them in metrics.
func Invalidate(ctx context.Context, store Store, keys ...string) error {
	if store == nil {
		return errNilStore
	}
	if len(keys) == 0 {
		return nil
	}
	metrics.ViewCacheInvalidations.Add(float64(len(keys)))
	return store.Invalidate(ctx, keys...)
}
