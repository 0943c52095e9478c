package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KV on a Redis backend. Conversation state lives in
// plain keys with TTL; history lives in Redis lists bounded with LTRIM.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV creates a RedisKV from a Redis URL (redis://host:port/db).
func NewRedisKV(url string) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		slog.Error("NewRedisKV: invalid redis URL", "error", err)
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("NewRedisKV: ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("Redis KV store connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisKV{client: client}, nil
}

// NewRedisKVFromClient wraps an existing client (used by tests with miniredis).
func NewRedisKVFromClient(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// Get returns the value for key and whether it was present.
func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		slog.Warn("RedisKV.Get failed", "error", err, "key", key)
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// SetWithTTL stores value under key with an inactivity TTL.
func (r *RedisKV) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.Warn("RedisKV.SetWithTTL failed", "error", err, "key", key)
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// AppendBoundedList appends item, trims to the most recent maxLen entries,
// and refreshes the list TTL, in one round trip.
func (r *RedisKV) AppendBoundedList(ctx context.Context, key, item string, maxLen int, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, item)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, int64(-maxLen), -1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("RedisKV.AppendBoundedList failed", "error", err, "key", key)
		return fmt.Errorf("redis append %s: %w", key, err)
	}
	return nil
}

// GetList returns up to limit entries, most recent last.
func (r *RedisKV) GetList(ctx context.Context, key string, limit int) ([]string, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	items, err := r.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		slog.Warn("RedisKV.GetList failed", "error", err, "key", key)
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return items, nil
}

// Close releases the Redis connection.
func (r *RedisKV) Close() error {
	return r.client.Close()
}

// Compile-time check that RedisKV implements KV.
var _ KV = (*RedisKV)(nil)
