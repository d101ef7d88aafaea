package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cozy-insight/composer/internal/cache"
)

// Actions consulted before exposing composition operations
const (
	ActionView   = "view"
	ActionEdit   = "edit"
	ActionManage = "manage"
)

// Resource types
const (
	ResourceChart     = "chart"
	ResourceDashboard = "dashboard"
	ResourceDataset   = "dataset"
)

// Checker asks the permission service whether the caller may act on a resource
type Checker interface {
	HasPermission(ctx context.Context, resourceType, resourceID, action string) (bool, error)
}

// Gate answers permission questions without failing: an error is a denial
type Gate interface {
	Allowed(ctx context.Context, resourceType, resourceID, action string) bool
}

// Key is the cache key of one permission question
func Key(resourceType, resourceID, action string) string {
	return fmt.Sprintf("%s:%s:%s", resourceType, resourceID, action)
}

// CachedGate memoizes a Checker per session. Answers are cached lazily under
// "perm:<scope>:<type>:<id>:<action>" and dropped by Invalidate at logout or
// session end; failed checks are denied and not cached.
type CachedGate struct {
	checker Checker
	cache   cache.Cache
	scope   string
	ttl     time.Duration
	log     *zap.Logger
}

// NewCachedGate creates a gate for one session scope
func NewCachedGate(checker Checker, c cache.Cache, scope string, ttl time.Duration, log *zap.Logger) *CachedGate {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedGate{checker: checker, cache: c, scope: scope, ttl: ttl, log: log}
}

func (g *CachedGate) prefix() string {
	return "perm:" + g.scope + ":"
}

// Allowed implements Gate
func (g *CachedGate) Allowed(ctx context.Context, resourceType, resourceID, action string) bool {
	key := g.prefix() + Key(resourceType, resourceID, action)

	cached, err := g.cache.Get(ctx, key)
	switch {
	case err == nil:
		return len(cached) == 1 && cached[0] == '1'
	case !errors.Is(err, cache.ErrMiss):
		g.log.Warn("permission cache read failed", zap.String("key", key), zap.Error(err))
	}

	ok, err := g.checker.HasPermission(ctx, resourceType, resourceID, action)
	if err != nil {
		g.log.Warn("permission check failed, denying",
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.String("action", action),
			zap.Error(err),
		)
		return false
	}

	value := []byte("0")
	if ok {
		value = []byte("1")
	}
	if err := g.cache.Set(ctx, key, value, g.ttl); err != nil {
		g.log.Warn("permission cache write failed", zap.String("key", key), zap.Error(err))
	}
	return ok
}

// Invalidate forgets every cached answer of this scope
func (g *CachedGate) Invalidate(ctx context.Context) error {
	return g.cache.DeletePrefix(ctx, g.prefix())
}

// Static answers from a fixed rule table keyed by Key; unknown keys get Default
type Static struct {
	Rules   map[string]bool
	Default bool
}

// AllowAll permits everything
func AllowAll() Static {
	return Static{Default: true}
}

// HasPermission implements Checker
func (s Static) HasPermission(_ context.Context, resourceType, resourceID, action string) (bool, error) {
	if allowed, ok := s.Rules[Key(resourceType, resourceID, action)]; ok {
		return allowed, nil
	}
	return s.Default, nil
}

// Allowed implements Gate
func (s Static) Allowed(ctx context.Context, resourceType, resourceID, action string) bool {
	ok, _ := s.HasPermission(ctx, resourceType, resourceID, action)
	return ok
}
