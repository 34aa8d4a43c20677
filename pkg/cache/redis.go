package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// releaseScript deletes the lock only when its value is the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisStore is the distributed Store implementation.
type RedisStore struct {
	redisClient *redis.Client
	logger      zerolog.Logger
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return NewRedisStoreFromClient(rdb, logger), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// of the client and closes it in Close.
func NewRedisStoreFromClient(client *redis.Client, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		redisClient: client,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
	}
}

// Get fetches and decodes the entry stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	cachedData, err := s.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		// A redis.Nil error is a normal cache miss. Any other error is a genuine problem.
		if errors.Is(err, redis.Nil) {
			s.logger.Debug().Str("key", key).Msg("Redis cache miss.")
			return nil, nil
		}
		return nil, fmt.Errorf("%w: redis get %s: %w", ErrStoreUnavailable, key, err)
	}

	var entry Entry
	if err := json.Unmarshal(cachedData, &entry); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached entry.")
		return nil, fmt.Errorf("failed to unmarshal entry for %s: %w", key, err)
	}

	s.logger.Debug().Str("key", key).Msg("Redis cache hit.")
	return &entry, nil
}

// Set stores entry with the store's native expiry set to ttl.
func (s *RedisStore) Set(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry for %s: %w", key, err)
	}

	if err := s.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to set entry in Redis.")
		return fmt.Errorf("%w: redis set %s: %w", ErrStoreUnavailable, key, err)
	}

	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Stored entry in Redis.")
	return nil
}

// TryAcquireLock issues SET NX with an expiry, so only one caller can win.
func (s *RedisStore) TryAcquireLock(ctx context.Context, lockKey, owner string, ttl time.Duration) (bool, error) {
	ok, err := s.redisClient.SetNX(ctx, lockKey, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis lock %s: %w", ErrStoreUnavailable, lockKey, err)
	}
	return ok, nil
}

// ReleaseLock runs a compare-and-delete script against lockKey.
func (s *RedisStore) ReleaseLock(ctx context.Context, lockKey, owner string) error {
	deleted, err := releaseScript.Run(ctx, s.redisClient, []string{lockKey}, owner).Int()
	if err != nil {
		return fmt.Errorf("%w: redis unlock %s: %w", ErrStoreUnavailable, lockKey, err)
	}
	if deleted == 0 {
		s.logger.Warn().Str("lock_key", lockKey).Msg("Lock was no longer held by this owner at release.")
	}
	return nil
}

// Ping checks connectivity to Redis.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
