package permission

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cozy-insight/composer/internal/cache"
)

type countingChecker struct {
	answer bool
	err    error
	calls  int
}

func (c *countingChecker) HasPermission(context.Context, string, string, string) (bool, error) {
	c.calls++
	return c.answer, c.err
}

func newMemory(t *testing.T) *cache.Memory {
	t.Helper()
	m := cache.NewMemory(cache.DefaultOptions(), 0)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestKey(t *testing.T) {
	assert.Equal(t, "chart:42:edit", Key(ResourceChart, "42", ActionEdit))
}

func TestCachedGate_MemoizesAnswers(t *testing.T) {
	ctx := context.Background()
	checker := &countingChecker{answer: true}
	g := NewCachedGate(checker, newMemory(t), "session-1", time.Minute, nil)

	assert.True(t, g.Allowed(ctx, ResourceChart, "42", ActionEdit))
	assert.True(t, g.Allowed(ctx, ResourceChart, "42", ActionEdit))
	assert.Equal(t, 1, checker.calls)

	// different action is a different key
	assert.True(t, g.Allowed(ctx, ResourceChart, "42", ActionView))
	assert.Equal(t, 2, checker.calls)

	checker.answer = false
	require.NoError(t, g.Invalidate(ctx))
	assert.False(t, g.Allowed(ctx, ResourceChart, "42", ActionEdit))
	assert.Equal(t, 3, checker.calls)

	// denials are cached too
	assert.False(t, g.Allowed(ctx, ResourceChart, "42", ActionEdit))
	assert.Equal(t, 3, checker.calls)
}

func TestCachedGate_ErrorDeniesWithoutCaching(t *testing.T) {
	ctx := context.Background()
	checker := &countingChecker{answer: true, err: errors.New("timeout")}
	g := NewCachedGate(checker, newMemory(t), "s", time.Minute, nil)

	assert.False(t, g.Allowed(ctx, ResourceDashboard, "d1", ActionManage))
	checker.err = nil
	assert.True(t, g.Allowed(ctx, ResourceDashboard, "d1", ActionManage))
	assert.Equal(t, 2, checker.calls)
}

func TestCachedGate_ScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	shared := newMemory(t)
	a := NewCachedGate(&countingChecker{answer: true}, shared, "alice", time.Minute, nil)
	bChecker := &countingChecker{answer: false}
	b := NewCachedGate(bChecker, shared, "bob", time.Minute, nil)

	assert.True(t, a.Allowed(ctx, ResourceChart, "1", ActionEdit))
	assert.False(t, b.Allowed(ctx, ResourceChart, "1", ActionEdit))
	require.NoError(t, b.Invalidate(ctx))
	assert.True(t, a.Allowed(ctx, ResourceChart, "1", ActionEdit))
	assert.Equal(t, 1, bChecker.calls)
}

func TestStatic(t *testing.T) {
	s := Static{Rules: map[string]bool{Key(ResourceChart, "1", ActionEdit): false}, Default: true}
	assert.False(t, s.Allowed(context.Background(), ResourceChart, "1", ActionEdit))
	assert.True(t, s.Allowed(context.Background(), ResourceChart, "2", ActionEdit))
	assert.True(t, AllowAll().Allowed(context.Background(), "x", "y", "z"))
}

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    bool
		wantErr bool
	}{
		{"plain allowed", http.StatusOK, `{"hasPermission": true}`, true, false},
		{"envelope denied", http.StatusOK, `{"code": 0, "data": {"hasPermission": false}}`, false, false},
		{"missing field", http.StatusOK, `{"ok": true}`, false, true},
		{"not a boolean", http.StatusOK, `{"hasPermission": "yes"}`, false, true},
		{"not json", http.StatusOK, `<html>`, false, true},
		{"server error", http.StatusInternalServerError, `{}`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/permission/check", r.URL.Path)
				assert.Equal(t, "chart", r.URL.Query().Get("resourceType"))
				assert.Equal(t, "42", r.URL.Query().Get("resourceId"))
				assert.Equal(t, "edit", r.URL.Query().Get("action"))
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPChecker(srv.URL+"/", "", time.Second).WithToken("tok")
			got, err := c.HasPermission(context.Background(), ResourceChart, "42", ActionEdit)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
