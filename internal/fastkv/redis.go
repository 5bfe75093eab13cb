package fastkv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Each call is a single MULTI/EXEC
// pipeline so list trims and TTL refreshes never drift from the write.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	closeOnce sync.Once
}

// NewRedisStore wraps client. keyPrefix is prepended to every key,
// e.g. "credvault:".
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

// DialRedis parses a redis:// URL, connects and pings the server.
func DialRedis(ctx context.Context, url, keyPrefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, keyPrefix), nil
}

func (r *RedisStore) Append(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	fullKey := r.keyPrefix + key
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, fullKey, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, fullKey, 0, int64(maxLen-1))
		}
		if ttl > 0 {
			pipe.Expire(ctx, fullKey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Range(ctx context.Context, key string, n int) ([][]byte, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	vals, err := r.client.LRange(ctx, r.keyPrefix+key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) Incr(ctx context.Context, key string, counters map[string]int64, fields map[string]string, ttl time.Duration) error {
	fullKey := r.keyPrefix + key
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, delta := range counters {
			pipe.HIncrBy(ctx, fullKey, field, delta)
		}
		if len(fields) > 0 {
			values := make([]any, 0, len(fields)*2)
			for k, v := range fields {
				values = append(values, k, v)
			}
			pipe.HSet(ctx, fullKey, values...)
		}
		if ttl > 0 {
			pipe.Expire(ctx, fullKey, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis incr %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Fields(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, r.keyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis fields %s: %w", key, err)
	}
	return m, nil
}

// Close closes the underlying client once.
func (r *RedisStore) Close() error {
	var err error
	r.closeOnce.Do(func() { err = r.client.Close() })
	return err
}
