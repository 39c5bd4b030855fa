package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rapidalle/rapidalle/internal/config"
	"github.com/redis/go-redis/v9"
)

// Store is a process-scoped key/value cache with per-entry TTL. One instance is
// built at startup and injected into the components that need it.
type Store interface {
	// Get returns the value for key. Expired or missing keys report ok=false.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value for ttl; ttl <= 0 keeps the entry until deleted.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Save flushes pending state to durable storage, when the backend has any.
	Save(ctx context.Context) error
	// Close flushes and releases the backend.
	Close() error
}

// GetJSON decodes the cached JSON value for key into dest.
func GetJSON(ctx context.Context, s Store, key string, dest any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if errUnmarshal := json.Unmarshal(raw, dest); errUnmarshal != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, errUnmarshal)
	}
	return true, nil
}

// SetJSON encodes value as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any, ttl time.Duration) error {
	raw, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("cache: encode %s: %w", key, errMarshal)
	}
	return s.Set(ctx, key, raw, ttl)
}

// Open builds the configured backend. The file backend's persist loop runs
// until ctx is done.
func Open(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", config.CacheBackendFile:
		store, err := NewFileStore(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		store.Start(ctx, cfg.PersistInterval)
		return store, nil
	case config.CacheBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if errPing := client.Ping(pingCtx).Err(); errPing != nil {
			_ = client.Close()
			return nil, fmt.Errorf("cache: redis ping: %w", errPing)
		}
		return NewRedisStore(client, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}
