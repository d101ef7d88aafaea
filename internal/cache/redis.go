package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache backed by a Redis server, shared by every process that
// uses the same prefix
type Redis struct {
	client *redis.Client
	opts   Options
}

// RedisOptions configures the connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Options  Options
}

// DialRedis connects and pings the server
func DialRedis(ctx context.Context, ro RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     ro.Addr,
		Password: ro.Password,
		DB:       ro.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis %s: %w", ro.Addr, err)
	}
	return NewRedis(client, ro.Options), nil
}

// NewRedis wraps an existing client
func NewRedis(client *redis.Client, opts Options) *Redis {
	return &Redis{client: client, opts: opts}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.opts.Prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ttl = r.opts.ttl(ttl)
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, r.opts.Prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.opts.Prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix scans for matching keys and deletes them in batches
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	const batch = 100

	iter := r.client.Scan(ctx, 0, r.opts.Prefix+prefix+"*", batch).Iterator()
	keys := make([]string, 0, batch)
	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		err := r.client.Del(ctx, keys...).Err()
		keys = keys[:0]
		return err
	}

	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == batch {
			if err := flush(); err != nil {
				return fmt.Errorf("cache: delete prefix %s: %w", prefix, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan %s: %w", prefix, err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("cache: delete prefix %s: %w", prefix, err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	return r.DeletePrefix(ctx, "")
}

func (r *Redis) Close() error {
	return r.client.Close()
}
