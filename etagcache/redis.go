package etagcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backed cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix is prepended to the namespace of every upload.
	KeyPrefix string
	// TTL expires the parts of an upload that is never completed nor cleared. Zero keeps them forever.
	TTL time.Duration
}

// DefaultRedisConfig returns the defaults for a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr: "localhost:6379",
		TTL:  7 * 24 * time.Hour,
	}
}

// Redis stores the parts of an upload in one hash, so that several processes can share resumability.
type Redis struct {
	client *redis.Client
	config RedisConfig
}

// NewRedis connects to the Redis server described by cfg.
func NewRedis(cfg RedisConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg)
}

// NewRedisWithClient uses an existing client; cfg's connection settings are ignored.
func NewRedisWithClient(client *redis.Client, cfg RedisConfig) *Redis {
	return &Redis{client: client, config: cfg}
}

// Get ...
func (r *Redis) Get(ctx context.Context, uploadID string, partNumber int) (string, bool, error) {
	etag, err := r.client.HGet(ctx, r.key(uploadID), strconv.Itoa(partNumber)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("hget part %d of %s: %w", partNumber, uploadID, err)
	}
	return etag, true, nil
}

// Put ...
func (r *Redis) Put(ctx context.Context, uploadID string, partNumber int, etag string) error {
	key := r.key(uploadID)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.Itoa(partNumber), etag)
	if r.config.TTL > 0 {
		pipe.Expire(ctx, key, r.config.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hset part %d of %s: %w", partNumber, uploadID, err)
	}
	return nil
}

// Clear ...
func (r *Redis) Clear(ctx context.Context, uploadID string) error {
	if err := r.client.Del(ctx, r.key(uploadID)).Err(); err != nil {
		return fmt.Errorf("del parts of %s: %w", uploadID, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(uploadID string) string {
	return r.config.KeyPrefix + Namespace(uploadID)
}
