package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired
var ErrMiss = errors.New("cache: miss")

// Cache is a small key/value store with per-entry expiry
type Cache interface {
	// Get returns the value stored under key, or ErrMiss
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value; a zero ttl uses the backend default, a negative one never expires
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes one key
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix
	DeletePrefix(ctx context.Context, prefix string) error

	// Clear removes every key owned by this cache
	Clear(ctx context.Context) error

	// Close releases background resources
	Close() error
}

// Options holds settings shared by the backends
type Options struct {
	// DefaultTTL applies when Set is called with a zero ttl
	DefaultTTL time.Duration
	// Prefix namespaces every key
	Prefix string
}

// DefaultOptions returns five minute entries under the "composer:" namespace
func DefaultOptions() Options {
	return Options{
		DefaultTTL: 5 * time.Minute,
		Prefix:     "composer:",
	}
}

func (o Options) ttl(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return o.DefaultTTL
	}
	return ttl
}
